package domain

import (
	"context"
	"time"
)

// FairnessStream is the durable stream verifier mismatches are appended to.
const FairnessStream = "stream:fairness"

// DrawChannel is the pub/sub channel carrying draw events for a product.
func DrawChannel(productID string) string {
	return "draws:" + productID
}

// DrawEvent is published after every successful draw.
type DrawEvent struct {
	Type         string    `json:"type"`
	ProductID    string    `json:"product_id"`
	TicketNumber int64     `json:"ticket_number"`
	TierID       int64     `json:"tier_id"`
	Remaining    int64     `json:"remaining"`
	SoldOut      bool      `json:"sold_out"`
	CreatedAt    time.Time `json:"created_at"`
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, pattern string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
