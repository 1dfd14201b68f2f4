package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/exit"
	"github.com/alanyoungcy/polyguard/internal/feed"
	"github.com/alanyoungcy/polyguard/internal/metrics"
	"github.com/alanyoungcy/polyguard/internal/notify"
	"github.com/alanyoungcy/polyguard/internal/risk"
	"github.com/alanyoungcy/polyguard/internal/stoploss"
)

// breakerPollInterval is how often the tripped gauge is refreshed so that
// cooldown expiry shows up without a trade.
const breakerPollInterval = 15 * time.Second

// ExitMode runs the exit sweeps and, when enabled, the trade feed that
// drives mirror exits.
func (a *App) ExitMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, true, false)
}

// StopLossMode runs the stop-loss engine. Triggered stops still close
// through the exit coordinator's claim path; the sweeps themselves do not run.
func (a *App) StopLossMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, false, true)
}

// FullMode runs everything.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, true, true)
}

func (a *App) run(ctx context.Context, deps *Dependencies, sweeps, stops bool) error {
	a.logger.InfoContext(ctx, "starting mode",
		slog.Bool("exit_sweeps", sweeps),
		slog.Bool("stop_loss", stops),
	)
	a.watchTrips(deps)

	g, ctx := errgroup.WithContext(ctx)
	coord := a.newCoordinator(deps)

	if sweeps {
		g.Go(func() error { return coord.Run(ctx) })
		if deps.Trades != nil {
			tf := feed.NewTradeFeed(a.cfg.Feed.WsURL, deps.Trades, a.logger)
			g.Go(func() error { return tf.Run(ctx) })
		}
	}

	if stops {
		triggers := make(chan stoploss.Trigger, a.cfg.StopLoss.NotifyBuffer)
		opts := []stoploss.Option{
			stoploss.WithStore(deps.RuleStore),
			stoploss.WithBreaker(deps.Breaker),
			stoploss.WithNotify(triggers),
		}
		if deps.Signals != nil {
			opts = append(opts, stoploss.WithSignals(deps.Signals))
		}
		engine := stoploss.NewEngine(stoploss.Config{
			CheckInterval:         a.cfg.StopLoss.CheckInterval.Duration,
			ConnectivityThreshold: a.cfg.StopLoss.ConnectivityThreshold,
		}, deps.MarketData, coord, a.logger, opts...)
		g.Go(func() error { return engine.Run(ctx) })
		g.Go(func() error { return a.forwardTriggers(ctx, triggers, deps.Notifier) })
	}

	g.Go(func() error { return runDailyReset(ctx, deps.Breaker, time.Now, a.logger) })
	g.Go(func() error { return pollBreaker(ctx, deps.Breaker) })

	if a.cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(ctx, a.cfg.Metrics.Addr, a.logger) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) newCoordinator(deps *Dependencies) *exit.Coordinator {
	c := a.cfg.Exit
	opts := []exit.Option{
		exit.WithBreaker(deps.Breaker),
		exit.WithAlerter(deps.Notifier),
		exit.WithResolver(exit.NewTokenResolver(deps.MarketData, deps.MarketCache, a.logger)),
	}
	if deps.Signals != nil {
		opts = append(opts, exit.WithSignals(deps.Signals))
	}
	if deps.AuditStore != nil {
		opts = append(opts, exit.WithAudit(deps.AuditStore))
	}
	if deps.LockManager != nil {
		opts = append(opts, exit.WithLocks(deps.LockManager))
	}
	if deps.Trades != nil {
		opts = append(opts, exit.WithTradeFeed(deps.Trades))
	}
	return exit.NewCoordinator(exit.Config{
		Concurrency:         c.Concurrency,
		MaxRetries:          c.MaxRetries,
		FeeRate:             decimal.NewFromFloat(c.FeeRate),
		MinCorrectionProfit: decimal.NewFromFloat(c.MinCorrectionProfit),
		ExitReadyInterval:   c.ExitReadyInterval.Duration,
		ResolutionInterval:  c.ResolutionInterval.Duration,
		RetryInterval:       c.RetryInterval.Duration,
		CorrectionInterval:  c.CorrectionInterval.Duration,
		LockTTL:             c.LockTTL.Duration,
	}, deps.PositionStore, deps.Executor, deps.MarketData, deps.Reservations, a.logger, opts...)
}

// forwardTriggers is the single consumer of executed stop triggers.
func (a *App) forwardTriggers(ctx context.Context, triggers <-chan stoploss.Trigger, n *notify.Notifier) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-triggers:
			msg := fmt.Sprintf("%s stop on position %s fired at %s (trigger %s): %s",
				t.Kind, t.PositionID, t.Price, t.TriggerPrice, t.Outcome)
			if err := n.Notify(ctx, notify.EventStopTriggered, "Stop loss triggered", msg); err != nil {
				a.logger.WarnContext(ctx, "stop trigger alert failed", slog.String("error", err.Error()))
			}
		}
	}
}

// watchTrips registers the breaker trip side effects: metrics, a
// circuit_breaker signal and an operator alert.
func (a *App) watchTrips(deps *Dependencies) {
	deps.Breaker.OnTrip(func(s risk.State) {
		metrics.BreakerTrips.WithLabelValues(string(s.Reason)).Inc()
		metrics.BreakerTripped.Set(1)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if deps.Signals != nil {
			if err := deps.Signals.PublishSignal(ctx, tripSignal(s)); err != nil {
				a.logger.WarnContext(ctx, "publish breaker signal failed", slog.String("error", err.Error()))
			}
		}
		msg := fmt.Sprintf("reason %s: %s", s.Reason, s.Detail)
		if s.ResumeAt != nil {
			msg += fmt.Sprintf(" (resumes %s)", s.ResumeAt.Format(time.RFC3339))
		}
		if err := deps.Notifier.Notify(ctx, notify.EventBreakerTripped, "Circuit breaker tripped", msg); err != nil {
			a.logger.WarnContext(ctx, "breaker alert failed", slog.String("error", err.Error()))
		}
	})
}

func tripSignal(s risk.State) domain.Signal {
	meta := map[string]string{
		"reason":             string(s.Reason),
		"detail":             s.Detail,
		"daily_pnl":          s.DailyPnL.String(),
		"consecutive_losses": fmt.Sprint(s.ConsecutiveLosses),
		"trips_today":        fmt.Sprint(s.TripsToday),
	}
	if s.ResumeAt != nil {
		meta["resume_at"] = s.ResumeAt.Format(time.RFC3339)
	}
	return domain.Signal{
		ID:         uuid.NewString(),
		SignalType: domain.SignalBreakerTripped,
		Action:     "halt",
		Confidence: 1,
		Metadata:   meta,
		CreatedAt:  time.Now().UTC(),
	}
}

// nextUTCMidnight returns the start of the UTC day after now.
func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func runDailyReset(ctx context.Context, b *risk.Breaker, now func() time.Time, logger *slog.Logger) error {
	for {
		wait := nextUTCMidnight(now()).Sub(now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			b.ResetDaily()
			logger.InfoContext(ctx, "breaker daily counters reset")
		}
	}
}

func pollBreaker(ctx context.Context, b *risk.Breaker) error {
	ticker := time.NewTicker(breakerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.CanTrade() {
				metrics.BreakerTripped.Set(0)
			} else {
				metrics.BreakerTripped.Set(1)
			}
		}
	}
}
