package stoploss

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeMarket struct {
	mu    sync.Mutex
	books map[string]decimal.Decimal
	err   error
	calls int
}

func (f *fakeMarket) GetMarkets(context.Context) ([]domain.Market, error) { return nil, nil }

func (f *fakeMarket) GetOrderBook(_ context.Context, tokenID string) (domain.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.OrderBook{}, f.err
	}
	px, ok := f.books[tokenID]
	if !ok {
		return domain.OrderBook{}, domain.ErrNotFound
	}
	return domain.OrderBook{TokenID: tokenID, BestBid: px}, nil
}

func (f *fakeMarket) set(tokenID, px string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.books == nil {
		f.books = map[string]decimal.Decimal{}
	}
	f.books[tokenID] = d(px)
}

type fakeCloser struct {
	mu      sync.Mutex
	outcome domain.CloseOutcome
	err     error
	closed  []string
}

func (f *fakeCloser) ClosePosition(_ context.Context, id, reason string) (domain.CloseOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id+":"+reason)
	if f.outcome == "" {
		return domain.CloseClosed, f.err
	}
	return f.outcome, f.err
}

type fakeRuleStore struct {
	mu    sync.Mutex
	saved map[string]int
	rules []*domain.StopLossRule
}

func (f *fakeRuleStore) Save(_ context.Context, r *domain.StopLossRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = map[string]int{}
	}
	f.saved[r.ID]++
	return nil
}

func (f *fakeRuleStore) ListActive(context.Context) ([]*domain.StopLossRule, error) {
	return f.rules, nil
}

func (f *fakeRuleStore) ListByPosition(context.Context, string) ([]*domain.StopLossRule, error) {
	return nil, nil
}

type fakeBreaker struct {
	trips int
}

func (f *fakeBreaker) TripConnectivity(error) { f.trips++ }

func newTestEngine(m *fakeMarket, c *fakeCloser, opts ...Option) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return NewEngine(Config{CheckInterval: time.Second, ConnectivityThreshold: 3}, m, c, logger, opts...)
}

func newRule(t *testing.T, id, token string, stop domain.StopType) *domain.StopLossRule {
	t.Helper()
	r, err := domain.NewStopLossRule(id, "pos-"+id, "mkt-1", token, d("0.50"), d("100"), stop)
	require.NoError(t, err)
	return r
}

func TestEvaluate_FixedStop(t *testing.T) {
	e := newTestEngine(&fakeMarket{}, &fakeCloser{})
	r := newRule(t, "r1", "tok-yes", &domain.FixedStop{TriggerPrice: d("0.40")})
	require.NoError(t, e.AddRule(context.Background(), r))

	assert.Empty(t, e.Evaluate(map[string]decimal.Decimal{"tok-yes": d("0.45")}, t0))
	got := e.Evaluate(map[string]decimal.Decimal{"tok-yes": d("0.40")}, t0)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
}

func TestEvaluate_RaisesPeaksBeforeEvaluating(t *testing.T) {
	e := newTestEngine(&fakeMarket{}, &fakeCloser{})
	r := newRule(t, "r1", "tok-yes", &domain.TrailingStop{OffsetPct: d("0.10")})
	require.NoError(t, e.AddRule(context.Background(), r))

	assert.Empty(t, e.Evaluate(map[string]decimal.Decimal{"tok-yes": d("0.60")}, t0))
	lvl, ok := r.CurrentTriggerPrice()
	require.True(t, ok)
	assert.True(t, lvl.Equal(d("0.54")), "trigger %s", lvl)

	assert.Empty(t, e.Evaluate(map[string]decimal.Decimal{"tok-yes": d("0.55")}, t0))
	assert.Len(t, e.Evaluate(map[string]decimal.Decimal{"tok-yes": d("0.54")}, t0), 1)
}

func TestEvaluate_SkipsUnpricedRulesExceptTimeStops(t *testing.T) {
	e := newTestEngine(&fakeMarket{}, &fakeCloser{})
	ctx := context.Background()
	require.NoError(t, e.AddRule(ctx, newRule(t, "fixed", "tok-a", &domain.FixedStop{TriggerPrice: d("0.40")})))
	require.NoError(t, e.AddRule(ctx, newRule(t, "timed", "tok-b", &domain.TimeStop{Deadline: t0.Add(-time.Minute)})))

	got := e.Evaluate(map[string]decimal.Decimal{}, t0)
	require.Len(t, got, 1)
	assert.Equal(t, "timed", got[0].ID)
}

func TestCheckOnce_ExecutesTriggeredRule(t *testing.T) {
	m := &fakeMarket{}
	m.set("tok-yes", "0.39")
	c := &fakeCloser{}
	store := &fakeRuleStore{}
	notify := make(chan Trigger, 1)
	e := newTestEngine(m, c, WithStore(store), WithNotify(notify))

	r := newRule(t, "r1", "tok-yes", &domain.FixedStop{TriggerPrice: d("0.40")})
	require.NoError(t, e.AddRule(context.Background(), r))
	require.NoError(t, e.CheckOnce(context.Background()))

	assert.Equal(t, []string{"pos-r1:" + domain.ReasonStopLoss}, c.closed)
	assert.True(t, r.Status().Executed)
	assert.Empty(t, e.Rules(), "executed rules leave the registry")
	assert.Equal(t, 2, store.saved["r1"], "saved on add and on execution")

	select {
	case trig := <-notify:
		assert.Equal(t, "pos-r1", trig.PositionID)
		assert.Equal(t, domain.StopFixed, trig.Kind)
		assert.True(t, trig.Price.Equal(d("0.39")))
		assert.True(t, trig.TriggerPrice.Equal(d("0.40")))
		assert.Equal(t, domain.CloseClosed, trig.Outcome)
	default:
		t.Fatal("expected a trigger notification")
	}

	require.NoError(t, e.CheckOnce(context.Background()))
	assert.Len(t, c.closed, 1, "an executed rule never fires again")
}

func TestExecute_RuleStaysActiveWhenCloseReverts(t *testing.T) {
	c := &fakeCloser{outcome: domain.CloseReverted}
	e := newTestEngine(&fakeMarket{}, c)
	r := newRule(t, "r1", "tok-yes", &domain.FixedStop{TriggerPrice: d("0.40")})
	require.NoError(t, e.AddRule(context.Background(), r))

	require.NoError(t, e.Execute(context.Background(), r, d("0.30")))
	assert.True(t, r.Active())
	assert.Len(t, e.Rules(), 1)
}

func TestExecute_AlreadyClaimedKeepsRuleActive(t *testing.T) {
	ctx := context.Background()
	c := &fakeCloser{outcome: domain.CloseAlreadyClaimed}
	e := newTestEngine(&fakeMarket{}, c)
	r := newRule(t, "r1", "tok-yes", &domain.FixedStop{TriggerPrice: d("0.40")})
	require.NoError(t, e.AddRule(ctx, r))

	// Another close owns the position and may still roll its claim back.
	require.NoError(t, e.Execute(ctx, r, d("0.30")))
	assert.True(t, r.Active())
	assert.Len(t, e.Rules(), 1)

	c.mu.Lock()
	c.outcome = domain.CloseAlreadyClosed
	c.mu.Unlock()
	require.NoError(t, e.Execute(ctx, r, d("0.30")))
	assert.False(t, r.Active())
	assert.Empty(t, e.Rules())
	assert.Len(t, c.closed, 2)
}

func TestExecute_CloserErrorIsReturned(t *testing.T) {
	c := &fakeCloser{outcome: domain.CloseFailed, err: errors.New("executor down")}
	e := newTestEngine(&fakeMarket{}, c)
	r := newRule(t, "r1", "tok-yes", &domain.FixedStop{TriggerPrice: d("0.40")})
	require.NoError(t, e.AddRule(context.Background(), r))

	err := e.Execute(context.Background(), r, d("0.30"))
	require.Error(t, err)
	assert.True(t, r.Active())
}

func TestExecute_FullNotifyChannelDoesNotBlock(t *testing.T) {
	m := &fakeMarket{}
	m.set("tok-a", "0.10")
	m.set("tok-b", "0.10")
	notify := make(chan Trigger) // unbuffered, nobody reading
	e := newTestEngine(m, &fakeCloser{}, WithNotify(notify))
	ctx := context.Background()
	require.NoError(t, e.AddRule(ctx, newRule(t, "a", "tok-a", &domain.FixedStop{TriggerPrice: d("0.40")})))
	require.NoError(t, e.AddRule(ctx, newRule(t, "b", "tok-b", &domain.FixedStop{TriggerPrice: d("0.40")})))

	done := make(chan struct{})
	go func() {
		_ = e.CheckOnce(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CheckOnce blocked on the notify channel")
	}
	assert.Empty(t, e.Rules())
}

func TestCheckOnce_TripsBreakerAfterRepeatedFeedFailures(t *testing.T) {
	m := &fakeMarket{err: domain.ErrConnectivity}
	b := &fakeBreaker{}
	e := newTestEngine(m, &fakeCloser{}, WithBreaker(b))
	require.NoError(t, e.AddRule(context.Background(), newRule(t, "r1", "tok-yes", &domain.FixedStop{TriggerPrice: d("0.40")})))

	for i := 0; i < 2; i++ {
		require.NoError(t, e.CheckOnce(context.Background()))
	}
	assert.Zero(t, b.trips)
	require.NoError(t, e.CheckOnce(context.Background()))
	assert.Equal(t, 1, b.trips)

	m.mu.Lock()
	m.err = nil
	m.mu.Unlock()
	m.set("tok-yes", "0.45")
	require.NoError(t, e.CheckOnce(context.Background()))
	assert.Equal(t, 1, b.trips)
}

func TestCheckOnce_PersistsPeakChanges(t *testing.T) {
	m := &fakeMarket{}
	m.set("tok-yes", "0.60")
	store := &fakeRuleStore{}
	e := newTestEngine(m, &fakeCloser{}, WithStore(store))
	require.NoError(t, e.AddRule(context.Background(), newRule(t, "r1", "tok-yes", &domain.TrailingStop{OffsetPct: d("0.10")})))

	require.NoError(t, e.CheckOnce(context.Background()))
	assert.Equal(t, 2, store.saved["r1"])
	require.NoError(t, e.CheckOnce(context.Background()))
	assert.Equal(t, 2, store.saved["r1"], "unchanged peak is not re-saved")
}

func TestLoadRegistersActiveRules(t *testing.T) {
	r := newRule(t, "r1", "tok-yes", &domain.FixedStop{TriggerPrice: d("0.40")})
	r.Activate(t0)
	store := &fakeRuleStore{rules: []*domain.StopLossRule{r}}
	e := newTestEngine(&fakeMarket{}, &fakeCloser{}, WithStore(store))

	require.NoError(t, e.Load(context.Background()))
	assert.Len(t, e.RulesForPosition("pos-r1"), 1)
	assert.Empty(t, e.RulesForPosition("other"))
}

func TestNewRule_UsesLegEntry(t *testing.T) {
	e := newTestEngine(&fakeMarket{}, &fakeCloser{})
	pos, err := domain.NewPosition("p1", "mkt-1", []domain.Leg{
		{Outcome: "Yes", TokenID: "tok-yes", EntryPrice: d("0.40")},
		{Outcome: "No", TokenID: "tok-no", EntryPrice: d("0.55")},
	}, d("10"), domain.ExitOnCorrection)
	require.NoError(t, err)

	r, err := e.NewRule(context.Background(), pos, 1, &domain.PercentageStop{LossPct: d("0.20")})
	require.NoError(t, err)
	assert.Equal(t, "tok-no", r.TokenID)
	assert.True(t, r.EntryPrice.Equal(d("0.55")))
	assert.True(t, r.Active())

	_, err = e.NewRule(context.Background(), pos, 2, &domain.PercentageStop{LossPct: d("0.20")})
	assert.Error(t, err)
}

func TestConcurrentEvaluateAndAdd(t *testing.T) {
	e := newTestEngine(&fakeMarket{}, &fakeCloser{})
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r, err := domain.NewStopLossRule(
				"r"+string(rune('a'+i)), "p", "m", "tok", d("0.5"), d("1"),
				&domain.TrailingStop{OffsetPct: d("0.5")},
			)
			if err == nil {
				_ = e.AddRule(ctx, r)
			}
		}(i)
		go func() {
			defer wg.Done()
			e.Evaluate(map[string]decimal.Decimal{"tok": d("0.9")}, t0)
		}()
	}
	wg.Wait()
	assert.Len(t, e.Rules(), 20)
}
