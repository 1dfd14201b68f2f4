package app

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/polyguard/internal/config"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/risk"
)

func TestNextUTCMidnight(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 4, 13, 30, 0, 0, time.UTC), time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)},
		// 20:00 in New York is already the next UTC day.
		{time.Date(2026, 3, 4, 20, 0, 0, 0, time.FixedZone("EST", -5*3600)), time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextUTCMidnight(tt.now), tt.now.String())
	}
}

func TestBreakerConfig(t *testing.T) {
	c := config.Defaults().Breaker
	c.RecoveryStages = []float64{0.25, 0.5}
	c.MinTradesPerStage = 3

	got := breakerConfig(c)
	assert.True(t, got.Enabled)
	assert.True(t, got.MaxDailyLoss.Equal(decimal.NewFromInt(100)))
	assert.True(t, got.MaxDrawdownPct.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, 5, got.MaxConsecutiveLosses)
	assert.Equal(t, time.Hour, got.Cooldown)
	assert.Len(t, got.Recovery.Stages, 2)
	assert.True(t, got.Recovery.Stages[0].Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, 3, got.Recovery.MinTradesPerStage)
}

func TestTripSignal(t *testing.T) {
	resume := time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)
	sig := tripSignal(risk.State{
		Tripped:           true,
		Reason:            risk.TripConsecutiveLosses,
		Detail:            "5 consecutive losses",
		ResumeAt:          &resume,
		DailyPnL:          decimal.NewFromInt(-40),
		ConsecutiveLosses: 5,
		TripsToday:        1,
	})
	assert.Equal(t, domain.SignalBreakerTripped, sig.SignalType)
	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, "consecutive_losses", sig.Metadata["reason"])
	assert.Equal(t, "-40", sig.Metadata["daily_pnl"])
	assert.Equal(t, "5", sig.Metadata["consecutive_losses"])
	assert.Equal(t, "2026-03-04T14:00:00Z", sig.Metadata["resume_at"])
}
