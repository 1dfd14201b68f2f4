// Package risk implements the process-wide circuit breaker that gates new
// trading activity on realized performance.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// TripReason identifies why the breaker tripped.
type TripReason string

const (
	TripNone              TripReason = ""
	TripDailyLossLimit    TripReason = "daily_loss_limit"
	TripConsecutiveLosses TripReason = "consecutive_losses"
	TripMaxDrawdown       TripReason = "max_drawdown"
	TripManual            TripReason = "manual"
	TripConnectivity      TripReason = "connectivity"
)

// Config holds breaker thresholds. A zero threshold disables that check.
type Config struct {
	Enabled              bool
	MaxDailyLoss         decimal.Decimal // absolute, positive
	MaxDrawdownPct       decimal.Decimal // fraction of peak value
	MaxConsecutiveLosses int
	Cooldown             time.Duration
	Recovery             RecoveryConfig
}

// State is a snapshot of the breaker. Tripped implies Reason and ResumeAt
// are set.
type State struct {
	Tripped           bool
	Reason            TripReason
	Detail            string
	TrippedAt         *time.Time
	ResumeAt          *time.Time
	DailyPnL          decimal.Decimal
	PeakValue         decimal.Decimal
	CurrentValue      decimal.Decimal
	ConsecutiveLosses int
	TripsToday        int
	Recovery          *RecoveryState
}

func (s State) clone() State {
	out := s
	if s.Recovery != nil {
		r := *s.Recovery
		out.Recovery = &r
	}
	return out
}

// TripHandler is called after every trip with the resulting state. Handlers
// run outside the breaker lock.
type TripHandler func(State)

// Breaker is the trading admission gate. One instance is owned by the
// composition root and shared by pointer.
type Breaker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	state    State
	handlers []TripHandler

	// tripped mirrors state.Tripped and is only written with mu held.
	tripped atomic.Bool
	// valued is set once a portfolio value is known. Until then realized
	// P&L is not folded into CurrentValue and drawdown is not checked.
	valued bool
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithInitialValue seeds the portfolio value used for drawdown tracking. A
// non-positive value leaves drawdown disabled until UpdatePortfolioValue.
func WithInitialValue(v decimal.Decimal) Option {
	return func(b *Breaker) {
		if !v.IsPositive() {
			return
		}
		b.state.CurrentValue = v
		b.state.PeakValue = v
		b.valued = true
	}
}

// NewBreaker creates a breaker in the untripped state.
func NewBreaker(cfg Config, logger *slog.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "circuit_breaker")),
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OnTrip registers a handler invoked after each trip.
func (b *Breaker) OnTrip(h TripHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Config returns the breaker configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// State returns a copy of the current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.clone()
}

// RecordTrade folds a realized trade outcome into the counters and trips on
// the first breached threshold in priority order: daily loss, consecutive
// losses, drawdown. It returns the trip reason, or TripNone.
func (b *Breaker) RecordTrade(pnl decimal.Decimal, isWin bool) TripReason {
	b.mu.Lock()
	now := b.now()
	s := &b.state
	s.DailyPnL = s.DailyPnL.Add(pnl)
	if isWin {
		s.ConsecutiveLosses = 0
	} else {
		s.ConsecutiveLosses++
	}
	if b.valued {
		s.CurrentValue = s.CurrentValue.Add(pnl)
		if s.CurrentValue.GreaterThan(s.PeakValue) {
			s.PeakValue = s.CurrentValue
		}
	}
	if s.Recovery != nil {
		b.recordRecoveryTradeLocked(pnl, now)
	}

	reason := TripNone
	if b.cfg.Enabled && !s.Tripped {
		switch {
		case b.dailyLossBreachedLocked():
			reason = TripDailyLossLimit
		case b.cfg.MaxConsecutiveLosses > 0 && s.ConsecutiveLosses >= b.cfg.MaxConsecutiveLosses:
			reason = TripConsecutiveLosses
		case b.drawdownBreachedLocked():
			reason = TripMaxDrawdown
		}
	}
	var snap State
	var handlers []TripHandler
	if reason != TripNone {
		snap, handlers = b.tripLocked(reason, b.describeLocked(reason), now)
	}
	b.mu.Unlock()

	b.notify(snap, handlers)
	return reason
}

// UpdatePortfolioValue sets the current portfolio value and checks drawdown
// against the running peak.
func (b *Breaker) UpdatePortfolioValue(v decimal.Decimal) TripReason {
	b.mu.Lock()
	s := &b.state
	b.valued = true
	s.CurrentValue = v
	if v.GreaterThan(s.PeakValue) {
		s.PeakValue = v
	}
	reason := TripNone
	if b.cfg.Enabled && !s.Tripped && b.drawdownBreachedLocked() {
		reason = TripMaxDrawdown
	}
	var snap State
	var handlers []TripHandler
	if reason != TripNone {
		snap, handlers = b.tripLocked(reason, b.describeLocked(reason), b.now())
	}
	b.mu.Unlock()

	b.notify(snap, handlers)
	return reason
}

// ManualTrip forces a trip regardless of thresholds.
func (b *Breaker) ManualTrip(detail string) {
	b.force(TripManual, detail)
}

// TripConnectivity forces a trip after a connectivity failure.
func (b *Breaker) TripConnectivity(err error) {
	detail := "connectivity failure"
	if err != nil {
		detail = err.Error()
	}
	b.force(TripConnectivity, detail)
}

func (b *Breaker) force(reason TripReason, detail string) {
	b.mu.Lock()
	snap, handlers := b.tripLocked(reason, detail, b.now())
	b.mu.Unlock()
	b.notify(snap, handlers)
}

// CanTrade reports whether new positions may be opened. A tripped breaker
// whose cooldown has elapsed resets itself and enters staged recovery when
// configured.
func (b *Breaker) CanTrade() bool {
	if !b.cfg.Enabled || !b.tripped.Load() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.Tripped {
		return true
	}
	now := b.now()
	if b.state.ResumeAt != nil && !now.Before(*b.state.ResumeAt) {
		b.logger.Info("cooldown elapsed, resuming trading",
			slog.String("reason", string(b.state.Reason)),
		)
		b.clearTripLocked()
		b.startRecoveryLocked(now)
		return true
	}
	return false
}

// Reset clears the trip state and any recovery ramp.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearTripLocked()
	b.state.Recovery = nil
	b.logger.Info("circuit breaker reset")
}

// ResetDaily clears the daily counters. The trip state is unchanged.
func (b *Breaker) ResetDaily() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.DailyPnL = decimal.Zero
	b.state.TripsToday = 0
}

func (b *Breaker) tripLocked(reason TripReason, detail string, now time.Time) (State, []TripHandler) {
	s := &b.state
	resume := now.Add(b.cfg.Cooldown)
	at := now
	s.Tripped = true
	s.Reason = reason
	s.Detail = detail
	s.TrippedAt = &at
	s.ResumeAt = &resume
	s.TripsToday++
	s.Recovery = nil
	b.tripped.Store(true)

	b.logger.Warn("circuit breaker tripped",
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
		slog.Time("resume_at", resume),
		slog.Int("trips_today", s.TripsToday),
	)
	handlers := make([]TripHandler, len(b.handlers))
	copy(handlers, b.handlers)
	return s.clone(), handlers
}

func (b *Breaker) clearTripLocked() {
	s := &b.state
	s.Tripped = false
	s.Reason = TripNone
	s.Detail = ""
	s.TrippedAt = nil
	s.ResumeAt = nil
	s.ConsecutiveLosses = 0
	b.tripped.Store(false)
}

func (b *Breaker) notify(s State, handlers []TripHandler) {
	for _, h := range handlers {
		h(s)
	}
}

func (b *Breaker) dailyLossBreachedLocked() bool {
	return b.cfg.MaxDailyLoss.IsPositive() && b.state.DailyPnL.LessThanOrEqual(b.cfg.MaxDailyLoss.Neg())
}

func (b *Breaker) drawdownBreachedLocked() bool {
	dd, ok := b.drawdownLocked()
	return ok && b.cfg.MaxDrawdownPct.IsPositive() && dd.GreaterThanOrEqual(b.cfg.MaxDrawdownPct)
}

func (b *Breaker) drawdownLocked() (decimal.Decimal, bool) {
	s := &b.state
	if !b.valued || !s.PeakValue.IsPositive() {
		return decimal.Zero, false
	}
	return s.PeakValue.Sub(s.CurrentValue).Div(s.PeakValue), true
}

func (b *Breaker) describeLocked(reason TripReason) string {
	s := &b.state
	switch reason {
	case TripDailyLossLimit:
		return fmt.Sprintf("daily pnl %s reached limit -%s", s.DailyPnL, b.cfg.MaxDailyLoss)
	case TripConsecutiveLosses:
		return fmt.Sprintf("%d consecutive losses", s.ConsecutiveLosses)
	case TripMaxDrawdown:
		dd, _ := b.drawdownLocked()
		return fmt.Sprintf("drawdown %s from peak %s", dd.StringFixed(4), s.PeakValue)
	default:
		return string(reason)
	}
}
