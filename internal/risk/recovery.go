package risk

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// RecoveryConfig describes the staged capacity ramp entered after a cooldown
// expires. Stages lists capacity fractions in increasing order, e.g.
// [0.25, 0.5, 0.75]; full capacity follows the last stage. An empty Stages
// slice disables the ramp.
type RecoveryConfig struct {
	Stages            []decimal.Decimal
	MinTradesPerStage int
	StageDuration     time.Duration
}

// RecoveryState tracks progress through the ramp. CurrentStage is 1-based.
type RecoveryState struct {
	CurrentStage    int
	TotalStages     int
	CapacityPct     decimal.Decimal
	TradesThisStage int
	NextStageAt     time.Time
	RecoveryPnL     decimal.Decimal
}

var fullCapacity = decimal.NewFromInt(1)

// CapacityPct returns the fraction of normal position sizing currently
// allowed: 0 while tripped, the stage capacity during recovery, else 1.
func (b *Breaker) CapacityPct() decimal.Decimal {
	if b.cfg.Enabled && b.tripped.Load() && !b.CanTrade() {
		return decimal.Zero
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Recovery == nil {
		return fullCapacity
	}
	b.advanceRecoveryLocked(b.now())
	if b.state.Recovery == nil {
		return fullCapacity
	}
	return b.state.Recovery.CapacityPct
}

func (b *Breaker) startRecoveryLocked(now time.Time) {
	stages := b.cfg.Recovery.Stages
	if len(stages) == 0 {
		b.state.Recovery = nil
		return
	}
	b.state.Recovery = &RecoveryState{
		CurrentStage: 1,
		TotalStages:  len(stages),
		CapacityPct:  stages[0],
		NextStageAt:  now.Add(b.cfg.Recovery.StageDuration),
	}
	b.logger.Info("recovery ramp started",
		slog.Int("total_stages", len(stages)),
		slog.String("capacity_pct", stages[0].String()),
	)
}

func (b *Breaker) recordRecoveryTradeLocked(pnl decimal.Decimal, now time.Time) {
	r := b.state.Recovery
	r.TradesThisStage++
	r.RecoveryPnL = r.RecoveryPnL.Add(pnl)
	b.advanceRecoveryLocked(now)
}

// advanceRecoveryLocked moves to the next stage once the stage's minimum
// trade count is met or its duration has elapsed. Past the last stage the
// ramp ends and full capacity is restored.
func (b *Breaker) advanceRecoveryLocked(now time.Time) {
	r := b.state.Recovery
	if r == nil {
		return
	}
	cfg := b.cfg.Recovery
	tradesMet := cfg.MinTradesPerStage > 0 && r.TradesThisStage >= cfg.MinTradesPerStage
	timeMet := cfg.StageDuration > 0 && !now.Before(r.NextStageAt)
	if !tradesMet && !timeMet {
		return
	}
	if r.CurrentStage >= r.TotalStages {
		b.logger.Info("recovery ramp complete", slog.String("recovery_pnl", r.RecoveryPnL.String()))
		b.state.Recovery = nil
		return
	}
	r.CurrentStage++
	r.CapacityPct = cfg.Stages[r.CurrentStage-1]
	r.TradesThisStage = 0
	r.NextStageAt = now.Add(cfg.StageDuration)
	b.logger.Info("recovery stage advanced",
		slog.Int("stage", r.CurrentStage),
		slog.String("capacity_pct", r.CapacityPct.String()),
	)
}
