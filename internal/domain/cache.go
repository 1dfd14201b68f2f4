package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market metadata lookups.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id string) (Market, error)
	GetByToken(ctx context.Context, tokenID string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides raw pub/sub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// ReservationSet is the shared set of market ids owned by an active
// strategy. Openers reserve markets; the exit path releases them on any
// terminal close. Implementations must be safe for concurrent use.
type ReservationSet interface {
	// Reserve adds marketID and reports whether it was newly added.
	Reserve(ctx context.Context, marketID string) (bool, error)
	Release(ctx context.Context, marketID string) error
	Contains(ctx context.Context, marketID string) (bool, error)
}
