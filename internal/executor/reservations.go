package executor

import (
	"context"
	"sync"
)

// Reservations is the in-process set of market ids owned by an active
// strategy. It is safe for concurrent use and is shared by handle between
// the opener and the exit coordinator.
type Reservations struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewReservations creates an empty set.
func NewReservations() *Reservations {
	return &Reservations{held: make(map[string]struct{})}
}

// Reserve adds marketID and reports whether it was not already held.
func (r *Reservations) Reserve(_ context.Context, marketID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[marketID]; ok {
		return false, nil
	}
	r.held[marketID] = struct{}{}
	return true, nil
}

// Release removes marketID. Releasing an absent id is a no-op.
func (r *Reservations) Release(_ context.Context, marketID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, marketID)
	return nil
}

// Contains reports whether marketID is held.
func (r *Reservations) Contains(_ context.Context, marketID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[marketID]
	return ok, nil
}

// Len returns the number of held markets.
func (r *Reservations) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
