// Package exit closes positions. Every exit trigger (exit-ready sweep,
// resolution settlement, mirror exits, stop losses and manual closes) goes
// through one claim-and-close path so that a position is sold at most once.
package exit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/feed"
	"github.com/alanyoungcy/polyguard/internal/risk"
)

// Config tunes the sweeps.
type Config struct {
	// Concurrency bounds how many positions one sweep processes at once.
	Concurrency int
	// MaxRetries is the exit_failed retry budget per position. Zero disables
	// automatic retries.
	MaxRetries int
	FeeRate    decimal.Decimal
	// MinCorrectionProfit is the unrealized P&L, after fees, at which an
	// exit-on-correction position is flagged exit_ready.
	MinCorrectionProfit decimal.Decimal

	ExitReadyInterval  time.Duration
	ResolutionInterval time.Duration
	RetryInterval      time.Duration
	CorrectionInterval time.Duration
	// LockTTL bounds how long a sweep lock is held when a LockManager is set.
	LockTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ExitReadyInterval <= 0 {
		c.ExitReadyInterval = 5 * time.Second
	}
	if c.ResolutionInterval <= 0 {
		c.ResolutionInterval = time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.CorrectionInterval <= 0 {
		c.CorrectionInterval = 15 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
}

// TradeRecorder receives the realized P&L of every closed position.
type TradeRecorder interface {
	RecordTrade(pnl decimal.Decimal, isWin bool) risk.TripReason
}

// Alerter sends operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Option configures optional coordinator collaborators.
type Option func(*Coordinator)

// WithBreaker feeds closed-position P&L to the circuit breaker.
func WithBreaker(b TradeRecorder) Option {
	return func(c *Coordinator) { c.breaker = b }
}

// WithSignals publishes lifecycle signals.
func WithSignals(p domain.SignalPublisher) Option {
	return func(c *Coordinator) { c.signals = p }
}

// WithAlerter sends alerts for failed and one-legged exits.
func WithAlerter(a Alerter) Option {
	return func(c *Coordinator) { c.alerter = a }
}

// WithAudit records claim and close events.
func WithAudit(a domain.AuditStore) Option {
	return func(c *Coordinator) { c.audit = a }
}

// WithLocks serializes each sweep across processes.
func WithLocks(l domain.LockManager) Option {
	return func(c *Coordinator) { c.locks = l }
}

// WithTradeFeed enables mirror exits driven by b.
func WithTradeFeed(b *feed.Broadcaster) Option {
	return func(c *Coordinator) { c.trades = b }
}

// WithResolver replaces the default in-process token resolver.
func WithResolver(r *TokenResolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// Coordinator runs the exit sweeps and owns the shared close path.
type Coordinator struct {
	cfg          Config
	store        domain.PositionStore
	executor     domain.OrderExecutor
	market       domain.MarketData
	reservations domain.ReservationSet
	resolver     *TokenResolver

	breaker TradeRecorder
	signals domain.SignalPublisher
	alerter Alerter
	audit   domain.AuditStore
	locks   domain.LockManager
	trades  *feed.Broadcaster

	logger *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	cfg Config,
	store domain.PositionStore,
	executor domain.OrderExecutor,
	market domain.MarketData,
	reservations domain.ReservationSet,
	logger *slog.Logger,
	opts ...Option,
) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:          cfg,
		store:        store,
		executor:     executor,
		market:       market,
		reservations: reservations,
		logger:       logger.With(slog.String("component", "exit_coordinator")),
	}
	for _, o := range opts {
		o(c)
	}
	if c.resolver == nil {
		c.resolver = NewTokenResolver(market, nil, logger)
	}
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// Run starts every sweep loop, plus the mirror listener when a trade feed
// is configured, and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "exit coordinator starting",
		slog.Int("concurrency", c.cfg.Concurrency),
		slog.Int("max_retries", c.cfg.MaxRetries),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.loop(ctx, sweepExitReady, c.cfg.ExitReadyInterval, c.SweepExitReady) })
	g.Go(func() error { return c.loop(ctx, sweepResolution, c.cfg.ResolutionInterval, c.SweepResolution) })
	g.Go(func() error { return c.loop(ctx, sweepRetry, c.cfg.RetryInterval, c.SweepRetries) })
	g.Go(func() error { return c.loop(ctx, sweepCorrection, c.cfg.CorrectionInterval, c.SweepCorrections) })
	if c.trades != nil {
		sub := c.trades.Subscribe()
		g.Go(func() error {
			defer sub.Close()
			return c.RunMirror(ctx, sub)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) loop(ctx context.Context, name string, every time.Duration, sweep func(context.Context) error) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.runSweep(ctx, name, sweep); err != nil {
				c.logger.ErrorContext(ctx, "sweep failed",
					slog.String("sweep", name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
