package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

// chanBus delivers whatever is written to ch to the pattern subscriber.
type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }
func (b *chanBus) PSubscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}
func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func startHub(t *testing.T, bus domain.SignalBus) (*Hub, string) {
	t.Helper()
	hub := NewHub(bus, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// The hello frame arrives only after the hub registered the client.
	hello := readJSON(t, conn)
	assert.Equal(t, "hello", hello["type"])
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func event(t *testing.T, productID string, ticket int64) []byte {
	t.Helper()
	data, err := json.Marshal(domain.DrawEvent{Type: "draw", ProductID: productID, TicketNumber: ticket, TierID: 1})
	require.NoError(t, err)
	return data
}

func TestHubRoutesByProduct(t *testing.T) {
	hub, url := startHub(t, nil)
	p1 := dial(t, url+"?product=p1")
	all := dial(t, url)

	hub.Publish(event(t, "p2", 1))
	hub.Publish(event(t, "p1", 7))

	got := readJSON(t, p1)
	assert.Equal(t, "p1", got["product_id"], "p2 events skip a p1 subscriber")
	assert.EqualValues(t, 7, got["ticket_number"])

	assert.Equal(t, "p2", readJSON(t, all)["product_id"])
	assert.Equal(t, "p1", readJSON(t, all)["product_id"])
}

func TestHubSubscribeMessage(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url+"?product=p1")

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: []string{domain.DrawChannel("p3")}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if c.isSubscribed(domain.DrawChannel("p3")) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	hub.Publish(event(t, "p3", 1))
	assert.Equal(t, "p3", readJSON(t, conn)["product_id"])
}

func TestHubRelaysBus(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	_, url := startHub(t, bus)
	conn := dial(t, url)

	bus.ch <- []byte("not json")
	bus.ch <- event(t, "p9", 3)

	got := readJSON(t, conn)
	assert.Equal(t, "p9", got["product_id"], "malformed payloads are dropped")
}

func TestIsSubscribedWildcard(t *testing.T) {
	c := &client{subs: map[string]bool{"draws:*": true}}
	assert.True(t, c.isSubscribed("draws:abc"))
	assert.False(t, c.isSubscribed("other:abc"))

	c = &client{subs: map[string]bool{"draws:abc": true}}
	assert.True(t, c.isSubscribed("draws:abc"))
	assert.False(t, c.isSubscribed("draws:abd"))
}

func TestHubStopsAcceptingAfterShutdown(t *testing.T) {
	hub := NewHub(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn := dial(t, url)
	cancel()
	require.ErrorIs(t, <-stopped, context.Canceled)

	// The connected client is closed by the hub.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	payload := event(t, "p1", 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 2*sendBufferSize; i++ {
			hub.Publish(payload)
		}
		late, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			_ = late.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, _, err = late.ReadMessage()
			assert.Error(t, err, "late clients are turned away")
			late.Close()
		}
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("publish or upgrade blocked after the hub stopped")
	}
}
