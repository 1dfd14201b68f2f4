package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionState is a node in the position lifecycle graph.
//
//	pending -> open -> exit_ready -> closing -> closed
//	pending -> entry_failed
//	closing | exit_ready -> exit_failed -> exit_ready
type PositionState string

const (
	StatePending     PositionState = "pending"
	StateOpen        PositionState = "open"
	StateExitReady   PositionState = "exit_ready"
	StateClosing     PositionState = "closing"
	StateClosed      PositionState = "closed"
	StateEntryFailed PositionState = "entry_failed"
	StateExitFailed  PositionState = "exit_failed"
)

// Terminal reports whether no further transition is possible.
func (s PositionState) Terminal() bool {
	return s == StateClosed || s == StateEntryFailed
}

// Claimable reports whether a close attempt may claim a position in this state.
func (s PositionState) Claimable() bool {
	return s == StateOpen || s == StateExitReady
}

// ExitStrategy selects how a position is expected to leave the book.
type ExitStrategy string

const (
	ExitOnCorrection ExitStrategy = "exit_on_correction"
	HoldToResolution ExitStrategy = "hold_to_resolution"
)

// Leg is one outcome side of a position. Binary-market pairs carry two.
type Leg struct {
	Outcome    string          `json:"outcome"`
	TokenID    string          `json:"token_id,omitempty"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// Position is a single trade position and its lifecycle state. Mutating
// methods validate the current state and leave the value untouched on error.
type Position struct {
	ID            string
	MarketID      string
	Legs          []Leg
	Quantity      decimal.Decimal
	State         PositionState
	ExitStrategy  ExitStrategy
	SourceWallet  string // wallet being mirrored, empty if none
	Strategy      string
	FailureReason string
	FailureKind   FailureKind
	RetryCount    int
	ExitReason    string
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	// ClaimedFrom records the state a pending claim moved away from, so a
	// failed close can put the position back.
	ClaimedFrom   PositionState
	OpenedAt      time.Time
	ExitTimestamp *time.Time
	UpdatedAt     time.Time
}

// NewPosition builds a pending position and checks the entity invariants.
func NewPosition(id, marketID string, legs []Leg, quantity decimal.Decimal, strategy ExitStrategy) (Position, error) {
	p := Position{
		ID:           id,
		MarketID:     marketID,
		Legs:         legs,
		Quantity:     quantity,
		State:        StatePending,
		ExitStrategy: strategy,
		OpenedAt:     time.Now().UTC(),
	}
	if err := p.Validate(); err != nil {
		return Position{}, err
	}
	return p, nil
}

// Validate checks the invariants that hold for every stored position.
func (p *Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("position: id must not be empty")
	}
	if p.MarketID == "" {
		return fmt.Errorf("position %s: market id must not be empty", p.ID)
	}
	if len(p.Legs) == 0 || len(p.Legs) > 2 {
		return fmt.Errorf("position %s: expected 1 or 2 legs, got %d", p.ID, len(p.Legs))
	}
	if !p.Quantity.IsPositive() {
		return fmt.Errorf("position %s: quantity must be > 0, got %s", p.ID, p.Quantity)
	}
	for i, l := range p.Legs {
		if l.EntryPrice.IsNegative() {
			return fmt.Errorf("position %s: leg %d entry price is negative", p.ID, i)
		}
	}
	switch p.ExitStrategy {
	case ExitOnCorrection, HoldToResolution:
	default:
		return fmt.Errorf("position %s: unknown exit strategy %q", p.ID, p.ExitStrategy)
	}
	return nil
}

// EntryCost is the sum over legs of entry price times quantity.
func (p *Position) EntryCost() decimal.Decimal {
	cost := decimal.Zero
	for _, l := range p.Legs {
		cost = cost.Add(l.EntryPrice.Mul(p.Quantity))
	}
	return cost
}

func (p *Position) transition(to PositionState, from ...PositionState) error {
	for _, f := range from {
		if p.State == f {
			p.State = to
			p.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (position %s)", ErrInvalidTransition, p.State, to, p.ID)
}

// MarkOpen moves a pending position to open once its entry has filled.
func (p *Position) MarkOpen() error {
	return p.transition(StateOpen, StatePending)
}

// MarkExitReady flags an open position for the exit-ready sweep.
func (p *Position) MarkExitReady() error {
	return p.transition(StateExitReady, StateOpen)
}

// MarkClosing claims the position in memory. Stores perform the same
// transition as a guarded write; see PositionStore.Transition.
func (p *Position) MarkClosing() error {
	prior := p.State
	if err := p.transition(StateClosing, StateOpen, StateExitReady); err != nil {
		return err
	}
	p.ClaimedFrom = prior
	return nil
}

// MarkClosed finalizes a claimed position with the given exit reason.
func (p *Position) MarkClosed(reason string) error {
	if err := p.transition(StateClosed, StateClosing); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.ExitTimestamp = &now
	p.ExitReason = reason
	p.ClaimedFrom = ""
	p.FailureReason = ""
	p.FailureKind = FailureNone
	p.UnrealizedPnL = decimal.Zero
	return nil
}

// RevertClaim returns a claimed position to the state it was claimed from.
func (p *Position) RevertClaim() error {
	if p.State != StateClosing || !p.ClaimedFrom.Claimable() {
		return fmt.Errorf("%w: revert claim from %s (position %s)", ErrInvalidTransition, p.State, p.ID)
	}
	p.State = p.ClaimedFrom
	p.ClaimedFrom = ""
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkEntryFailed records a failed entry. The position never trades again.
func (p *Position) MarkEntryFailed(reason string) error {
	if err := p.transition(StateEntryFailed, StatePending); err != nil {
		return err
	}
	p.FailureReason = reason
	return nil
}

// MarkExitFailed records a failed exit attempt and bumps the retry counter.
func (p *Position) MarkExitFailed(kind FailureKind, reason string) error {
	if err := p.transition(StateExitFailed, StateClosing, StateExitReady); err != nil {
		return err
	}
	p.FailureKind = kind
	p.FailureReason = reason
	p.ClaimedFrom = ""
	p.RetryCount++
	return nil
}

// CanRecover reports whether AttemptExitRecovery would succeed.
func (p *Position) CanRecover(maxRetries int) bool {
	return p.State == StateExitFailed && p.FailureKind.Retryable() && p.RetryCount < maxRetries
}

// AttemptExitRecovery requeues a failed exit to exit_ready when the failure
// is retryable and the retry budget is not exhausted.
func (p *Position) AttemptExitRecovery(maxRetries int) bool {
	if !p.CanRecover(maxRetries) {
		return false
	}
	p.State = StateExitReady
	p.FailureReason = ""
	p.FailureKind = FailureNone
	p.UpdatedAt = time.Now().UTC()
	return true
}

// ExitValue is the sum over legs of exit price times quantity. exitPrices is
// matched to Legs by index.
func (p *Position) ExitValue(exitPrices []decimal.Decimal) (decimal.Decimal, error) {
	if len(exitPrices) != len(p.Legs) {
		return decimal.Zero, fmt.Errorf("position %s: %d exit prices for %d legs", p.ID, len(exitPrices), len(p.Legs))
	}
	v := decimal.Zero
	for _, px := range exitPrices {
		v = v.Add(px.Mul(p.Quantity))
	}
	return v, nil
}

// ComputePnL returns exit - entry - fee*entry - fee*exit without mutating p.
func (p *Position) ComputePnL(exitPrices []decimal.Decimal, feeRate decimal.Decimal) (decimal.Decimal, error) {
	exit, err := p.ExitValue(exitPrices)
	if err != nil {
		return decimal.Zero, err
	}
	entry := p.EntryCost()
	fees := feeRate.Mul(entry).Add(feeRate.Mul(exit))
	return exit.Sub(entry).Sub(fees), nil
}

// UpdatePnL sets RealizedPnL from the given exit prices and fee rate.
func (p *Position) UpdatePnL(exitPrices []decimal.Decimal, feeRate decimal.Decimal) error {
	pnl, err := p.ComputePnL(exitPrices, feeRate)
	if err != nil {
		return err
	}
	p.RealizedPnL = pnl
	return nil
}

// TokenIDs returns the leg token ids, empty strings where unresolved.
func (p *Position) TokenIDs() []string {
	out := make([]string, len(p.Legs))
	for i, l := range p.Legs {
		out[i] = l.TokenID
	}
	return out
}
