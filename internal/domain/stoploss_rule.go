package domain

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultVolatilityWindow is the number of observed prices a rule keeps for
// volatility conditions.
const DefaultVolatilityWindow = 20

// StopLossRule monitors one position. Identity fields are immutable after
// construction; trigger state is guarded by the rule's own mutex so rules
// can be evaluated concurrently without a shared lock.
type StopLossRule struct {
	ID         string
	PositionID string
	MarketID   string
	TokenID    string
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	CreatedAt  time.Time

	mu          sync.Mutex
	stop        StopType
	activated   bool
	activatedAt *time.Time
	executed    bool
	executedAt  *time.Time
	window      []decimal.Decimal
	windowSize  int
}

// NewStopLossRule validates stop and returns an inactive rule.
func NewStopLossRule(id, positionID, marketID, tokenID string, entry, qty decimal.Decimal, stop StopType) (*StopLossRule, error) {
	if stop == nil {
		return nil, fmt.Errorf("stop loss rule %s: stop type is required", id)
	}
	if err := stop.Validate(); err != nil {
		return nil, fmt.Errorf("stop loss rule %s: %w", id, err)
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("stop loss rule %s: quantity must be > 0", id)
	}
	return &StopLossRule{
		ID:         id,
		PositionID: positionID,
		MarketID:   marketID,
		TokenID:    tokenID,
		EntryPrice: entry,
		Quantity:   qty,
		CreatedAt:  time.Now().UTC(),
		stop:       stop.clone(),
		windowSize: DefaultVolatilityWindow,
	}, nil
}

// Activate starts monitoring. Calling it again has no effect.
func (r *StopLossRule) Activate(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activated {
		return
	}
	r.activated = true
	t := now.UTC()
	r.activatedAt = &t
}

// Active reports whether the rule is activated and not yet executed.
func (r *StopLossRule) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activated && !r.executed
}

// Observe records a price sample for volatility conditions and raises a
// trailing peak. It reports whether persisted state changed.
func (r *StopLossRule) Observe(price decimal.Decimal) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = append(r.window, price)
	if n := len(r.window) - r.windowSize; n > 0 {
		r.window = append(r.window[:0], r.window[n:]...)
	}
	return r.updatePeakLocked(price)
}

// UpdatePeak raises the trailing peak to price. Non-trailing rules ignore it.
func (r *StopLossRule) UpdatePeak(price decimal.Decimal) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updatePeakLocked(price)
}

func (r *StopLossRule) updatePeakLocked(price decimal.Decimal) bool {
	if r.executed {
		return false
	}
	if ts, ok := r.stop.(*TrailingStop); ok {
		return ts.UpdatePeak(price)
	}
	return false
}

// IsTriggered evaluates the rule at price. Inactive and executed rules never
// trigger. Trailing peaks are raised before the comparison.
func (r *StopLossRule) IsTriggered(price decimal.Decimal, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.activated || r.executed {
		return false
	}
	r.updatePeakLocked(price)
	e := StopEval{
		Price:      price,
		EntryPrice: r.EntryPrice,
		Now:        now,
		Window:     r.window,
	}
	if r.activatedAt != nil {
		e.ActivatedAt = *r.activatedAt
	}
	return r.stop.Triggered(e)
}

// CurrentTriggerPrice returns the stop's current trigger level, and false
// for stops that are not price-based.
func (r *StopLossRule) CurrentTriggerPrice() (decimal.Decimal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop.TriggerLevel(r.EntryPrice)
}

// MarkExecuted flags the rule as fired. It returns false if it already was.
func (r *StopLossRule) MarkExecuted(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executed {
		return false
	}
	r.executed = true
	t := now.UTC()
	r.executedAt = &t
	return true
}

// Stop returns a copy of the rule's stop type.
func (r *StopLossRule) Stop() StopType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop.clone()
}

// Kind returns the discriminant of the rule's stop type.
func (r *StopLossRule) Kind() StopKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stop.Kind()
}

// RuleStatus is a point-in-time copy of a rule's mutable flags.
type RuleStatus struct {
	Activated   bool
	ActivatedAt *time.Time
	Executed    bool
	ExecutedAt  *time.Time
}

// Status returns the rule's activation and execution flags.
func (r *StopLossRule) Status() RuleStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RuleStatus{
		Activated:   r.activated,
		ActivatedAt: r.activatedAt,
		Executed:    r.executed,
		ExecutedAt:  r.executedAt,
	}
}

// RestoreStatus applies flags loaded from storage.
func (r *StopLossRule) RestoreStatus(st RuleStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activated = st.Activated
	r.activatedAt = st.ActivatedAt
	r.executed = st.Executed
	r.executedAt = st.ExecutedAt
}

type ruleJSON struct {
	ID          string          `json:"id"`
	PositionID  string          `json:"position_id"`
	MarketID    string          `json:"market_id"`
	TokenID     string          `json:"token_id"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Stop        json.RawMessage `json:"stop_type"`
	Activated   bool            `json:"activated"`
	ActivatedAt *time.Time      `json:"activated_at,omitempty"`
	Executed    bool            `json:"executed"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// MarshalJSON encodes the rule with its stop type as a tagged envelope.
func (r *StopLossRule) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stop, err := MarshalStop(r.stop)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ruleJSON{
		ID:          r.ID,
		PositionID:  r.PositionID,
		MarketID:    r.MarketID,
		TokenID:     r.TokenID,
		EntryPrice:  r.EntryPrice,
		Quantity:    r.Quantity,
		Stop:        stop,
		Activated:   r.activated,
		ActivatedAt: r.activatedAt,
		Executed:    r.executed,
		ExecutedAt:  r.executedAt,
		CreatedAt:   r.CreatedAt,
	})
}

// UnmarshalJSON decodes the output of MarshalJSON.
func (r *StopLossRule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal stop loss rule: %w", err)
	}
	stop, err := UnmarshalStop(raw.Stop)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ID = raw.ID
	r.PositionID = raw.PositionID
	r.MarketID = raw.MarketID
	r.TokenID = raw.TokenID
	r.EntryPrice = raw.EntryPrice
	r.Quantity = raw.Quantity
	r.CreatedAt = raw.CreatedAt
	r.stop = stop
	r.activated = raw.Activated
	r.activatedAt = raw.ActivatedAt
	r.executed = raw.Executed
	r.executedAt = raw.ExecutedAt
	if r.windowSize == 0 {
		r.windowSize = DefaultVolatilityWindow
	}
	return nil
}
