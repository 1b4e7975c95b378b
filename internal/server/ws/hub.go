// Package ws relays draw events from the signal bus to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

// drawPattern matches every product's draw channel.
var drawPattern = domain.DrawChannel("*")

type frame struct {
	channel string
	data    []byte
}

// Hub fans draw events out to connected clients. Each event goes only to
// clients subscribed to its product's channel.
type Hub struct {
	bus      domain.SignalBus
	upgrader websocket.Upgrader
	logger   *slog.Logger
	started  time.Time

	mu      sync.RWMutex
	clients map[*client]bool

	frames chan frame
	join   chan *client
	leave  chan *client
	done   chan struct{} // closed when Run returns
}

// NewHub bridges bus to WebSocket clients. bus may be nil when events are
// fed through Publish only. A nil checkOrigin accepts every origin.
func NewHub(bus domain.SignalBus, checkOrigin func(*http.Request) bool, logger *slog.Logger) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger:  logger,
		started: time.Now().UTC(),
		clients: make(map[*client]bool),
		frames:  make(chan frame, sendBufferSize),
		join:    make(chan *client),
		leave:   make(chan *client),
		done:    make(chan struct{}),
	}
}

// Run owns client membership until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if h.bus != nil {
		// Subscribe before serving so no event after the first join is missed.
		events, err := h.bus.PSubscribe(ctx, drawPattern)
		if err != nil {
			h.logger.Error("ws: draw subscription failed",
				slog.String("pattern", drawPattern),
				slog.String("error", err.Error()),
			)
		} else {
			go h.relay(ctx, events)
		}
	}
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return ctx.Err()
		case c := <-h.join:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws: client joined", slog.Int("clients", n))
		case c := <-h.leave:
			h.mu.Lock()
			h.drop(c)
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws: client left", slog.Int("clients", n))
		case f := <-h.frames:
			h.fanOut(f)
		}
	}
}

// drop removes c and closes its queue. Callers hold mu.
func (h *Hub) drop(c *client) {
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) fanOut(f frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(f.channel) {
			continue
		}
		select {
		case c.send <- f.data:
		default:
			h.logger.Warn("ws: client queue full, event dropped", slog.String("channel", f.channel))
		}
	}
}

// Publish routes a JSON draw event to the clients watching its product.
// Payloads without a product id are discarded.
func (h *Hub) Publish(payload []byte) {
	var ev domain.DrawEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ProductID == "" {
		h.logger.Warn("ws: ignoring malformed draw event")
		return
	}
	select {
	case h.frames <- frame{channel: domain.DrawChannel(ev.ProductID), data: payload}:
	case <-h.done:
	}
}

// relay feeds bus events to Publish until ctx ends.
func (h *Hub) relay(ctx context.Context, events <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-events:
			if !ok {
				h.logger.Warn("ws: draw subscription closed")
				return
			}
			h.Publish(data)
		}
	}
}

// HandleWS upgrades the request. ?product=<id> narrows the stream to one
// product; otherwise the client sees every draw.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	initial := drawPattern
	if product := strings.TrimSpace(r.URL.Query().Get("product")); product != "" {
		initial = domain.DrawChannel(product)
	}
	c := newClient(h, conn, initial)

	select {
	case h.join <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.hello(time.Since(h.started))

	go c.writeLoop()
	go c.readLoop()
}
