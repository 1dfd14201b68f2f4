package risk

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestBreaker(cfg Config, opts ...Option) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	return NewBreaker(cfg, testLogger(), opts...), clk
}

func TestDailyLossScenario(t *testing.T) {
	b, _ := newTestBreaker(Config{Enabled: true, MaxDailyLoss: d("100"), Cooldown: time.Hour})
	for i := 0; i < 9; i++ {
		assert.Equal(t, TripNone, b.RecordTrade(d("-10"), false))
	}
	assert.True(t, b.CanTrade())
	assert.Equal(t, TripDailyLossLimit, b.RecordTrade(d("-10"), false))

	s := b.State()
	assert.True(t, s.Tripped)
	assert.Equal(t, TripDailyLossLimit, s.Reason)
	require.NotNil(t, s.ResumeAt)
	require.NotNil(t, s.TrippedAt)
	assert.Equal(t, 1, s.TripsToday)
	assert.False(t, b.CanTrade())
}

func TestTripPriorityOrder(t *testing.T) {
	// One trade breaches all three thresholds; daily loss wins.
	b, _ := newTestBreaker(Config{
		Enabled:              true,
		MaxDailyLoss:         d("50"),
		MaxConsecutiveLosses: 1,
		MaxDrawdownPct:       d("0.1"),
		Cooldown:             time.Minute,
	}, WithInitialValue(d("100")))
	assert.Equal(t, TripDailyLossLimit, b.RecordTrade(d("-60"), false))

	// Consecutive losses outrank drawdown.
	b2, _ := newTestBreaker(Config{
		Enabled:              true,
		MaxDailyLoss:         d("1000"),
		MaxConsecutiveLosses: 1,
		MaxDrawdownPct:       d("0.1"),
		Cooldown:             time.Minute,
	}, WithInitialValue(d("100")))
	assert.Equal(t, TripConsecutiveLosses, b2.RecordTrade(d("-60"), false))
}

func TestConsecutiveLossesResetOnWin(t *testing.T) {
	b, _ := newTestBreaker(Config{Enabled: true, MaxConsecutiveLosses: 3, Cooldown: time.Minute})
	b.RecordTrade(d("-1"), false)
	b.RecordTrade(d("-1"), false)
	b.RecordTrade(d("2"), true)
	b.RecordTrade(d("-1"), false)
	assert.Equal(t, TripNone, b.RecordTrade(d("-1"), false))
	assert.Equal(t, TripConsecutiveLosses, b.RecordTrade(d("-1"), false))
}

func TestDrawdownFromPortfolioValue(t *testing.T) {
	b, _ := newTestBreaker(Config{Enabled: true, MaxDrawdownPct: d("0.2"), Cooldown: time.Minute})
	assert.Equal(t, TripNone, b.UpdatePortfolioValue(d("1000")))
	assert.Equal(t, TripNone, b.UpdatePortfolioValue(d("1200")))
	assert.Equal(t, TripNone, b.UpdatePortfolioValue(d("961")))
	assert.Equal(t, TripMaxDrawdown, b.UpdatePortfolioValue(d("960")))
	assert.True(t, b.State().PeakValue.Equal(d("1200")))
}

func TestDrawdownSkippedWithoutPortfolioValue(t *testing.T) {
	b, _ := newTestBreaker(Config{
		Enabled:              true,
		MaxDailyLoss:         d("1000"),
		MaxDrawdownPct:       d("0.2"),
		MaxConsecutiveLosses: 5,
		Cooldown:             time.Hour,
	}, WithInitialValue(decimal.Zero))

	assert.Equal(t, TripNone, b.RecordTrade(d("10"), true))
	assert.Equal(t, TripNone, b.RecordTrade(d("-2.5"), false))
	assert.True(t, b.CanTrade())

	s := b.State()
	assert.True(t, s.DailyPnL.Equal(d("7.5")))
	assert.True(t, s.PeakValue.IsZero())

	// A real portfolio value turns drawdown tracking on.
	assert.Equal(t, TripNone, b.UpdatePortfolioValue(d("1000")))
	assert.Equal(t, TripMaxDrawdown, b.RecordTrade(d("-200"), false))
}

func TestDrawdownFromRealizedTrades(t *testing.T) {
	b, _ := newTestBreaker(Config{Enabled: true, MaxDrawdownPct: d("0.2"), Cooldown: time.Minute},
		WithInitialValue(d("100")))
	assert.Equal(t, TripNone, b.RecordTrade(d("10"), true))
	assert.Equal(t, TripNone, b.RecordTrade(d("-21"), false))
	assert.Equal(t, TripMaxDrawdown, b.RecordTrade(d("-1"), false))
	assert.True(t, b.State().PeakValue.Equal(d("110")))
}

func TestCooldownGatesCanTrade(t *testing.T) {
	b, clk := newTestBreaker(Config{Enabled: true, Cooldown: 30 * time.Minute})
	b.ManualTrip("operator halt")

	for i := 0; i < 29; i++ {
		clk.Advance(time.Minute)
		assert.False(t, b.CanTrade(), "minute %d", i+1)
	}
	clk.Advance(time.Minute)
	assert.True(t, b.CanTrade())
	assert.False(t, b.State().Tripped)
}

func TestTrippedImpliesReasonAndResume(t *testing.T) {
	b, _ := newTestBreaker(Config{Enabled: true, Cooldown: time.Minute})
	b.TripConnectivity(errors.New("rpc timeout"))
	s := b.State()
	assert.True(t, s.Tripped)
	assert.Equal(t, TripConnectivity, s.Reason)
	assert.Equal(t, "rpc timeout", s.Detail)
	assert.NotNil(t, s.ResumeAt)

	b.Reset()
	s = b.State()
	assert.False(t, s.Tripped)
	assert.Nil(t, s.ResumeAt)
	assert.True(t, b.CanTrade())
}

func TestDisabledBreakerNeverBlocks(t *testing.T) {
	b, _ := newTestBreaker(Config{Enabled: false, MaxDailyLoss: d("1")})
	assert.Equal(t, TripNone, b.RecordTrade(d("-100"), false))
	assert.True(t, b.CanTrade())
	b.ManualTrip("ignored while disabled")
	assert.True(t, b.CanTrade())
}

func TestResetDaily(t *testing.T) {
	b, _ := newTestBreaker(Config{Enabled: true, MaxDailyLoss: d("100"), Cooldown: time.Minute})
	b.RecordTrade(d("-60"), false)
	b.ResetDaily()
	assert.True(t, b.State().DailyPnL.IsZero())
	assert.Equal(t, TripNone, b.RecordTrade(d("-60"), false))
}

func TestTripHandlersRunOnTrip(t *testing.T) {
	b, _ := newTestBreaker(Config{Enabled: true, Cooldown: time.Minute})
	var got []TripReason
	b.OnTrip(func(s State) { got = append(got, s.Reason) })
	b.ManualTrip("halt")
	assert.Equal(t, []TripReason{TripManual}, got)
}

func TestRecoveryRamp(t *testing.T) {
	b, clk := newTestBreaker(Config{
		Enabled:  true,
		Cooldown: time.Minute,
		Recovery: RecoveryConfig{
			Stages:            []decimal.Decimal{d("0.25"), d("0.5")},
			MinTradesPerStage: 2,
			StageDuration:     time.Hour,
		},
	})
	b.ManualTrip("halt")
	assert.True(t, b.CapacityPct().IsZero())

	clk.Advance(time.Minute)
	require.True(t, b.CanTrade())
	r := b.State().Recovery
	require.NotNil(t, r)
	assert.Equal(t, 1, r.CurrentStage)
	assert.Equal(t, 2, r.TotalStages)
	assert.True(t, b.CapacityPct().Equal(d("0.25")))

	b.RecordTrade(d("1"), true)
	b.RecordTrade(d("1"), true)
	assert.True(t, b.CapacityPct().Equal(d("0.5")))

	// The duration path also advances; past the last stage is full capacity.
	clk.Advance(time.Hour)
	assert.True(t, b.CapacityPct().Equal(d("1")))
	assert.Nil(t, b.State().Recovery)
}

func TestConcurrentRecordTrade(t *testing.T) {
	b, _ := newTestBreaker(Config{Enabled: true, MaxDailyLoss: d("50"), Cooldown: time.Hour})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordTrade(d("-1"), false)
			_ = b.CanTrade()
		}()
	}
	wg.Wait()
	s := b.State()
	assert.True(t, s.DailyPnL.Equal(d("-100")))
	assert.True(t, s.Tripped)
	assert.Equal(t, 1, s.TripsToday)
	assert.False(t, b.CanTrade())
}
