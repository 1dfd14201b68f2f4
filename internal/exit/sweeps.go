package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/metrics"
)

const (
	sweepExitReady  = "exit_ready"
	sweepResolution = "resolution"
	sweepRetry      = "retry"
	sweepCorrection = "correction"
)

func (c *Coordinator) runSweep(ctx context.Context, name string, sweep func(context.Context) error) error {
	if c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, "sweep:"+name, c.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			c.logger.DebugContext(ctx, "sweep held elsewhere", slog.String("sweep", name))
			return nil
		}
		if err != nil {
			return err
		}
		defer unlock()
	}
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()
	return sweep(ctx)
}

// each runs fn for every position with at most cfg.Concurrency in flight.
// Failures are logged per position and never stop the sweep.
func (c *Coordinator) each(ctx context.Context, sweep string, positions []domain.Position, fn func(context.Context, domain.Position) error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, pos := range positions {
		g.Go(func() error {
			if err := fn(gctx, pos); err != nil {
				c.logger.ErrorContext(gctx, "position failed in sweep",
					slog.String("sweep", sweep),
					slog.String("position_id", pos.ID),
					slog.String("market_id", pos.MarketID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// SweepExitReady sells every exit_ready position.
func (c *Coordinator) SweepExitReady(ctx context.Context) error {
	positions, err := c.store.GetExitReady(ctx)
	if err != nil {
		return fmt.Errorf("exit: load exit_ready: %w", err)
	}
	c.each(ctx, sweepExitReady, positions, func(ctx context.Context, pos domain.Position) error {
		_, err := c.sellAndClose(ctx, pos, domain.ReasonExitReady)
		return err
	})
	return nil
}

// SweepResolution settles hold-to-resolution positions whose market has
// resolved.
func (c *Coordinator) SweepResolution(ctx context.Context) error {
	positions, err := c.store.GetHoldToResolution(ctx)
	if err != nil {
		return fmt.Errorf("exit: load hold_to_resolution: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}
	markets, err := c.market.GetMarkets(ctx)
	if err != nil {
		return fmt.Errorf("exit: load markets: %w", err)
	}
	c.resolver.Observe(ctx, markets...)
	byID := make(map[string]domain.Market, len(markets))
	for _, m := range markets {
		byID[m.ID] = m
	}

	c.each(ctx, sweepResolution, positions, func(ctx context.Context, pos domain.Position) error {
		m, ok := byID[pos.MarketID]
		if !ok {
			// Resolved markets can age out of the listing.
			var err error
			if m, err = c.resolver.Refresh(ctx, pos.MarketID); err != nil {
				return err
			}
		}
		if !m.Resolved {
			return nil
		}
		_, err := c.settle(ctx, pos, m)
		return err
	})
	return nil
}

// SweepRetries requeues exit_failed positions that still have retry budget.
func (c *Coordinator) SweepRetries(ctx context.Context) error {
	positions, err := c.store.GetFailedExits(ctx)
	if err != nil {
		return fmt.Errorf("exit: load exit_failed: %w", err)
	}
	c.each(ctx, sweepRetry, positions, func(ctx context.Context, pos domain.Position) error {
		if !pos.AttemptExitRecovery(c.cfg.MaxRetries) {
			c.logger.DebugContext(ctx, "exit not retryable",
				slog.String("position_id", pos.ID),
				slog.String("failure_kind", string(pos.FailureKind)),
				slog.Int("retry_count", pos.RetryCount),
			)
			return nil
		}
		if err := c.store.Transition(ctx, pos, domain.StateExitFailed); err != nil {
			if errors.Is(err, domain.ErrAlreadyClaimed) {
				return nil
			}
			return fmt.Errorf("exit: requeue %s: %w", pos.ID, err)
		}
		c.logger.InfoContext(ctx, "exit requeued",
			slog.String("position_id", pos.ID),
			slog.Int("retry_count", pos.RetryCount),
		)
		c.auditLog(ctx, pos.ID, "exit_requeued", map[string]any{"retry_count": pos.RetryCount})
		c.publish(ctx, domain.SignalExitRequeued, pos, "exit_ready", nil)
		return nil
	})
	return nil
}

// SweepCorrections marks open exit-on-correction positions to the best bids
// and flags them exit_ready once the unrealized P&L reaches
// MinCorrectionProfit.
func (c *Coordinator) SweepCorrections(ctx context.Context) error {
	positions, err := c.store.GetOpenOnCorrection(ctx)
	if err != nil {
		return fmt.Errorf("exit: load open on correction: %w", err)
	}
	c.each(ctx, sweepCorrection, positions, c.markToMarket)
	return nil
}

func (c *Coordinator) markToMarket(ctx context.Context, pos domain.Position) error {
	tokens, err := c.resolver.ResolveLegs(ctx, pos)
	if err != nil {
		return err
	}
	bids := make([]decimal.Decimal, len(tokens))
	for i, tok := range tokens {
		book, err := c.market.GetOrderBook(ctx, tok)
		if err != nil {
			return fmt.Errorf("exit: book %s: %w", tok, err)
		}
		if !book.BestBid.IsPositive() {
			return nil
		}
		bids[i] = book.BestBid
	}
	pnl, err := pos.ComputePnL(bids, c.cfg.FeeRate)
	if err != nil {
		return err
	}
	pos.UnrealizedPnL = pnl
	if err := c.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("exit: mark %s: %w", pos.ID, err)
	}
	if pnl.LessThan(c.cfg.MinCorrectionProfit) {
		return nil
	}

	if err := pos.MarkExitReady(); err != nil {
		return nil
	}
	if err := c.store.Transition(ctx, pos, domain.StateOpen); err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			return nil
		}
		return fmt.Errorf("exit: flag %s exit_ready: %w", pos.ID, err)
	}
	c.logger.InfoContext(ctx, "correction reached, position exit_ready",
		slog.String("position_id", pos.ID),
		slog.String("unrealized_pnl", pnl.String()),
	)
	c.auditLog(ctx, pos.ID, "exit_ready", map[string]any{"unrealized_pnl": pnl.String()})
	return nil
}
