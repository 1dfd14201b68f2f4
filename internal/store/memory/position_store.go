// Package memory provides in-process implementations of the domain stores
// for single-process deployments and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// PositionStore keeps positions in a map. Transition performs the state
// check and the write under one lock, so exactly one of several concurrent
// claims succeeds.
type PositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

func clonePosition(p domain.Position) domain.Position {
	p.Legs = slices.Clone(p.Legs)
	if p.ExitTimestamp != nil {
		t := *p.ExitTimestamp
		p.ExitTimestamp = &t
	}
	return p
}

// Create inserts pos. It fails with ErrAlreadyExists on a duplicate id.
func (s *PositionStore) Create(_ context.Context, pos domain.Position) error {
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("memory: create position: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; ok {
		return fmt.Errorf("memory: create position %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = time.Now().UTC()
	}
	s.positions[pos.ID] = clonePosition(pos)
	return nil
}

// GetByID returns the position with id or ErrNotFound.
func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return clonePosition(p), nil
}

func (s *PositionStore) filter(keep func(domain.Position) bool) []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

func (s *PositionStore) GetExitReady(context.Context) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool { return p.State == domain.StateExitReady }), nil
}

func (s *PositionStore) GetHoldToResolution(context.Context) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool {
		return p.ExitStrategy == domain.HoldToResolution && p.State.Claimable()
	}), nil
}

func (s *PositionStore) GetFailedExits(context.Context) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool { return p.State == domain.StateExitFailed }), nil
}

func (s *PositionStore) GetOpenOnCorrection(context.Context) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool {
		return p.ExitStrategy == domain.ExitOnCorrection && p.State == domain.StateOpen
	}), nil
}

// ListOpenBySource matches wallet case-insensitively.
func (s *PositionStore) ListOpenBySource(_ context.Context, wallet, marketID string) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool {
		return p.MarketID == marketID && p.State.Claimable() &&
			p.SourceWallet != "" && strings.EqualFold(p.SourceWallet, wallet)
	}), nil
}

// Update writes the mark-to-market fields of pos and leaves state alone.
func (s *PositionStore) Update(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.positions[pos.ID]
	if !ok {
		return fmt.Errorf("memory: update position %s: %w", pos.ID, domain.ErrNotFound)
	}
	cur.UnrealizedPnL = pos.UnrealizedPnL
	cur.UpdatedAt = time.Now().UTC()
	s.positions[pos.ID] = cur
	return nil
}

// Transition replaces the stored position with pos only if the stored state
// is one of from.
func (s *PositionStore) Transition(_ context.Context, pos domain.Position, from ...domain.PositionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.positions[pos.ID]
	if !ok {
		return fmt.Errorf("memory: transition position %s: %w", pos.ID, domain.ErrNotFound)
	}
	if !slices.Contains(from, cur.State) {
		return fmt.Errorf("memory: transition position %s from %s: %w", pos.ID, cur.State, domain.ErrAlreadyClaimed)
	}
	s.positions[pos.ID] = clonePosition(pos)
	return nil
}
