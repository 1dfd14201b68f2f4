package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// ReservationSet implements domain.ReservationSet as a single Redis SET so
// that openers and exit coordinators in different processes share it.
type ReservationSet struct {
	rdb *redis.Client
	key string
}

// NewReservationSet creates a ReservationSet on c.
func NewReservationSet(c *Client) *ReservationSet {
	return &ReservationSet{rdb: c.Underlying(), key: c.Key("reservations")}
}

// Reserve adds marketID (SADD) and reports whether it was newly added.
func (r *ReservationSet) Reserve(ctx context.Context, marketID string) (bool, error) {
	n, err := r.rdb.SAdd(ctx, r.key, marketID).Result()
	if err != nil {
		return false, fmt.Errorf("redis: reserve %s: %w", marketID, err)
	}
	return n == 1, nil
}

// Release removes marketID (SREM).
func (r *ReservationSet) Release(ctx context.Context, marketID string) error {
	if err := r.rdb.SRem(ctx, r.key, marketID).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", marketID, err)
	}
	return nil
}

// Contains reports whether marketID is reserved (SISMEMBER).
func (r *ReservationSet) Contains(ctx context.Context, marketID string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, r.key, marketID).Result()
	if err != nil {
		return false, fmt.Errorf("redis: contains %s: %w", marketID, err)
	}
	return ok, nil
}

var _ domain.ReservationSet = (*ReservationSet)(nil)
