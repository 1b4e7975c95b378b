// Package local provides in-process stand-ins for the Redis coordination
// services, used when the server runs without redis.addr.
package local

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/fairdraw/internal/domain"
)

const (
	// DefaultStreamLen bounds each stream; the oldest entries are evicted.
	DefaultStreamLen = 10_000
	subscriberBuffer = 256
)

type subscriber struct {
	pattern string
	ch      chan []byte
}

type entry struct {
	seq     uint64
	payload []byte
}

// Bus implements domain.SignalBus inside one process. Publish is fire and
// forget like Redis Pub/Sub: a subscriber with a full buffer misses the
// event. Streams keep the last maxLen entries with ids of the form "<seq>-0".
type Bus struct {
	maxLen int

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	streams map[string][]entry
	seq     uint64
}

var _ domain.SignalBus = (*Bus)(nil)

// NewBus creates a Bus. maxLen <= 0 uses DefaultStreamLen.
func NewBus(maxLen int) *Bus {
	if maxLen <= 0 {
		maxLen = DefaultStreamLen
	}
	return &Bus{
		maxLen:  maxLen,
		subs:    make(map[*subscriber]struct{}),
		streams: make(map[string][]entry),
	}
}

func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// PSubscribe matches channels with glob patterns such as "draws:*". The
// returned channel closes when ctx ends.
func (b *Bus) PSubscribe(ctx context.Context, pattern string) (<-chan []byte, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("local: psubscribe %q: %w", pattern, domain.ErrInvalidInput)
	}
	s := &subscriber{pattern: pattern, ch: make(chan []byte, subscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	entries := append(b.streams[stream], entry{seq: b.seq, payload: append([]byte(nil), payload...)})
	if over := len(entries) - b.maxLen; over > 0 {
		entries = append([]entry(nil), entries[over:]...)
	}
	b.streams[stream] = entries
	return nil
}

// StreamRead returns up to count entries after lastID. An empty lastID or
// "0" reads from the oldest retained entry.
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseID(lastID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []domain.StreamMessage{}
	for _, e := range b.streams[stream] {
		if e.seq <= after {
			continue
		}
		if count > 0 && len(out) == count {
			break
		}
		out = append(out, domain.StreamMessage{
			ID:      strconv.FormatUint(e.seq, 10) + "-0",
			Payload: append([]byte(nil), e.payload...),
		})
	}
	return out, nil
}

func parseID(id string) (uint64, error) {
	if id == "" {
		return 0, nil
	}
	head, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("local: stream id %q: %w", id, domain.ErrInvalidInput)
	}
	return n, nil
}
