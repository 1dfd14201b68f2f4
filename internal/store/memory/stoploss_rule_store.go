package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// StopLossRuleStore keeps the JSON encoding of each rule, so loaded rules
// are independent copies just as they would be from a database.
type StopLossRuleStore struct {
	mu    sync.Mutex
	rules map[string][]byte
}

// NewStopLossRuleStore creates an empty store.
func NewStopLossRuleStore() *StopLossRuleStore {
	return &StopLossRuleStore{rules: make(map[string][]byte)}
}

// Save upserts rule by id.
func (s *StopLossRuleStore) Save(_ context.Context, rule *domain.StopLossRule) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("memory: save stop loss rule %s: %w", rule.ID, err)
	}
	s.mu.Lock()
	s.rules[rule.ID] = raw
	s.mu.Unlock()
	return nil
}

func (s *StopLossRuleStore) load(keep func(*domain.StopLossRule) bool) ([]*domain.StopLossRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.StopLossRule
	for id, raw := range s.rules {
		r := new(domain.StopLossRule)
		if err := json.Unmarshal(raw, r); err != nil {
			return nil, fmt.Errorf("memory: load stop loss rule %s: %w", id, err)
		}
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListActive returns activated rules that have not executed.
func (s *StopLossRuleStore) ListActive(context.Context) ([]*domain.StopLossRule, error) {
	return s.load(func(r *domain.StopLossRule) bool { return r.Active() })
}

// ListByPosition returns every rule for positionID, executed ones included.
func (s *StopLossRuleStore) ListByPosition(_ context.Context, positionID string) ([]*domain.StopLossRule, error) {
	return s.load(func(r *domain.StopLossRule) bool { return r.PositionID == positionID })
}
