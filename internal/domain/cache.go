package domain

import (
	"context"
	"time"
)

// RateLimiter counts requests per key over a sliding window.
type RateLimiter interface {
	// Allow records a request for key and reports whether it fits within
	// limit requests per window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides mutual exclusion across processes.
type LockManager interface {
	// Acquire returns ErrLockHeld when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage is one entry read back from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	// StreamAppend returns the id assigned to the new entry.
	StreamAppend(ctx context.Context, stream string, payload []byte) (string, error)
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// ReplayGuard remembers one-shot tokens, such as signed request digests,
// for a bounded time.
type ReplayGuard interface {
	// Claim records token for ttl. It reports false when token is already
	// held.
	Claim(ctx context.Context, token string, ttl time.Duration) (bool, error)
}
