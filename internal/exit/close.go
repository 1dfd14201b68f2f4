package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/metrics"
	"github.com/alanyoungcy/polyguard/internal/notify"
)

var errNotResolved = errors.New("market not resolved")

// ClosePosition claims and closes positionID with reason. It implements
// domain.PositionCloser for stop losses and operator tooling. The
// resolution reason settles at the market payout and requires the market
// to be resolved; every other reason sells each leg at market.
func (c *Coordinator) ClosePosition(ctx context.Context, positionID, reason string) (domain.CloseOutcome, error) {
	pos, err := c.store.GetByID(ctx, positionID)
	if err != nil {
		return "", fmt.Errorf("exit: close %s: %w", positionID, err)
	}
	if reason != domain.ReasonResolution {
		return c.sellAndClose(ctx, pos, reason)
	}

	m, err := c.resolver.Refresh(ctx, pos.MarketID)
	if err != nil {
		return "", fmt.Errorf("exit: close %s: %w", positionID, err)
	}
	if !m.Resolved {
		return "", fmt.Errorf("exit: close %s: market %s: %w", positionID, m.ID, errNotResolved)
	}
	return c.settle(ctx, pos, m)
}

// claim performs the guarded open|exit_ready -> closing write. A false
// result with a nil error means another caller owns the position.
func (c *Coordinator) claim(ctx context.Context, pos *domain.Position) (bool, error) {
	prior := pos.State
	if err := pos.MarkClosing(); err != nil {
		metrics.Claims.WithLabelValues("lost").Inc()
		return false, nil
	}
	if err := c.store.Transition(ctx, *pos, prior); err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			metrics.Claims.WithLabelValues("lost").Inc()
			return false, nil
		}
		metrics.Claims.WithLabelValues("error").Inc()
		return false, fmt.Errorf("exit: claim %s: %w", pos.ID, err)
	}
	metrics.Claims.WithLabelValues("won").Inc()
	c.auditLog(ctx, pos.ID, "claimed", map[string]any{"from": string(prior)})
	return true, nil
}

func (c *Coordinator) sellAndClose(ctx context.Context, pos domain.Position, reason string) (domain.CloseOutcome, error) {
	log := c.logger.With(
		slog.String("position_id", pos.ID),
		slog.String("market_id", pos.MarketID),
		slog.String("reason", reason),
	)
	if pos.State.Terminal() {
		return domain.CloseAlreadyClosed, nil
	}
	if !pos.State.Claimable() {
		metrics.Claims.WithLabelValues("lost").Inc()
		return domain.CloseAlreadyClaimed, nil
	}

	// Tokens are resolved before the claim so that a lookup failure leaves
	// the position untouched.
	tokens, err := c.resolver.ResolveLegs(ctx, pos)
	if err != nil {
		return "", fmt.Errorf("exit: close %s: %w", pos.ID, err)
	}

	won, err := c.claim(ctx, &pos)
	if err != nil {
		return "", err
	}
	if !won {
		log.DebugContext(ctx, "position already claimed")
		return domain.CloseAlreadyClaimed, nil
	}

	prices := make([]decimal.Decimal, 0, len(pos.Legs))
	for i, leg := range pos.Legs {
		order := domain.MarketOrder{
			ID:         uuid.NewString(),
			PositionID: pos.ID,
			MarketID:   pos.MarketID,
			OutcomeID:  tokens[i],
			Side:       domain.OrderSideSell,
			Quantity:   pos.Quantity,
			Reason:     reason,
		}
		report, err := c.executor.ExecuteMarketOrder(ctx, order)
		if err == nil && !report.IsSuccess() {
			err = fmt.Errorf("%w: %s", domain.ErrOrderRejected, rejectDetail(report))
		}
		if err == nil {
			prices = append(prices, report.AveragePrice)
			log.InfoContext(ctx, "exit leg filled",
				slog.String("outcome", leg.Outcome),
				slog.String("price", report.AveragePrice.String()),
			)
			continue
		}

		if i == 0 {
			return c.failNoFill(ctx, pos, reason, err)
		}
		filled := pos.Legs[0]
		detail := fmt.Sprintf("leg %s filled at %s, leg %s failed: %v",
			filled.Outcome, prices[0], leg.Outcome, err)
		return c.fail(ctx, pos, domain.FailureOneLegged, detail)
	}

	return c.finalize(ctx, pos, reason, prices)
}

// settle closes a hold-to-resolution position at the market payout without
// placing orders.
func (c *Coordinator) settle(ctx context.Context, pos domain.Position, m domain.Market) (domain.CloseOutcome, error) {
	if pos.State.Terminal() {
		return domain.CloseAlreadyClosed, nil
	}
	if !pos.State.Claimable() {
		metrics.Claims.WithLabelValues("lost").Inc()
		return domain.CloseAlreadyClaimed, nil
	}
	won, err := c.claim(ctx, &pos)
	if err != nil {
		return "", err
	}
	if !won {
		return domain.CloseAlreadyClaimed, nil
	}
	prices := make([]decimal.Decimal, len(pos.Legs))
	for i, leg := range pos.Legs {
		prices[i] = m.Payout(leg.Outcome)
	}
	return c.finalize(ctx, pos, domain.ReasonResolution, prices)
}

// failNoFill handles an exit where nothing filled. A claim taken from open
// is rolled back; one taken from exit_ready becomes a retryable exit_failed
// so the retry budget bounds repeated attempts.
func (c *Coordinator) failNoFill(ctx context.Context, pos domain.Position, reason string, cause error) (domain.CloseOutcome, error) {
	if pos.ClaimedFrom != domain.StateOpen {
		return c.fail(ctx, pos, domain.ClassifyError(cause), cause.Error())
	}
	if err := pos.RevertClaim(); err != nil {
		return "", fmt.Errorf("exit: revert %s: %w", pos.ID, err)
	}
	if err := c.store.Transition(ctx, pos, domain.StateClosing); err != nil {
		return "", fmt.Errorf("exit: revert %s: %w", pos.ID, err)
	}
	c.logger.WarnContext(ctx, "exit order failed, claim reverted",
		slog.String("position_id", pos.ID),
		slog.String("market_id", pos.MarketID),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
	metrics.Closes.WithLabelValues(reason, string(domain.CloseReverted)).Inc()
	c.auditLog(ctx, pos.ID, "claim_reverted", map[string]any{"error": cause.Error()})
	return domain.CloseReverted, nil
}

func (c *Coordinator) fail(ctx context.Context, pos domain.Position, kind domain.FailureKind, detail string) (domain.CloseOutcome, error) {
	if err := pos.MarkExitFailed(kind, detail); err != nil {
		return "", fmt.Errorf("exit: mark failed %s: %w", pos.ID, err)
	}
	if err := c.store.Transition(ctx, pos, domain.StateClosing); err != nil {
		return "", fmt.Errorf("exit: mark failed %s: %w", pos.ID, err)
	}
	c.logger.ErrorContext(ctx, "exit failed",
		slog.String("position_id", pos.ID),
		slog.String("market_id", pos.MarketID),
		slog.String("failure_kind", string(kind)),
		slog.Int("retry_count", pos.RetryCount),
		slog.String("error", detail),
	)
	metrics.ExitFailures.WithLabelValues(string(kind)).Inc()
	c.auditLog(ctx, pos.ID, "exit_failed", map[string]any{
		"kind":        string(kind),
		"detail":      detail,
		"retry_count": pos.RetryCount,
	})
	c.publish(ctx, domain.SignalExitFailed, pos, "exit_failed", map[string]string{
		"failure_kind": string(kind),
		"reason":       detail,
	})

	event, title := notify.EventExitFailed, "Exit failed"
	if kind == domain.FailureOneLegged {
		event, title = notify.EventOneLegged, "One-legged exit"
	}
	c.alert(ctx, event, title, fmt.Sprintf("position %s in market %s: %s", pos.ID, pos.MarketID, detail))
	return domain.CloseFailed, nil
}

func (c *Coordinator) finalize(ctx context.Context, pos domain.Position, reason string, prices []decimal.Decimal) (domain.CloseOutcome, error) {
	if err := pos.UpdatePnL(prices, c.cfg.FeeRate); err != nil {
		return "", fmt.Errorf("exit: pnl %s: %w", pos.ID, err)
	}
	if err := pos.MarkClosed(reason); err != nil {
		return "", fmt.Errorf("exit: close %s: %w", pos.ID, err)
	}
	if err := c.store.Transition(ctx, pos, domain.StateClosing); err != nil {
		return "", fmt.Errorf("exit: close %s: %w", pos.ID, err)
	}

	if c.reservations != nil {
		if err := c.reservations.Release(ctx, pos.MarketID); err != nil {
			c.logger.ErrorContext(ctx, "release reservation failed",
				slog.String("market_id", pos.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
	if c.breaker != nil {
		c.breaker.RecordTrade(pos.RealizedPnL, !pos.RealizedPnL.IsNegative())
	}

	c.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", pos.ID),
		slog.String("market_id", pos.MarketID),
		slog.String("reason", reason),
		slog.String("realized_pnl", pos.RealizedPnL.String()),
	)
	metrics.Closes.WithLabelValues(reason, string(domain.CloseClosed)).Inc()
	c.auditLog(ctx, pos.ID, "closed", map[string]any{
		"reason":       reason,
		"realized_pnl": pos.RealizedPnL.String(),
	})
	c.publish(ctx, domain.SignalPositionClosed, pos, "closed", map[string]string{
		"reason":       reason,
		"realized_pnl": pos.RealizedPnL.String(),
	})
	c.alert(ctx, notify.EventPositionClosed, "Position closed",
		fmt.Sprintf("position %s in market %s closed (%s), pnl %s", pos.ID, pos.MarketID, reason, pos.RealizedPnL))
	return domain.CloseClosed, nil
}

func rejectDetail(r domain.ExecutionReport) string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return fmt.Sprintf("status %s, filled %s", r.Status, r.FilledQuantity)
}

func (c *Coordinator) publish(ctx context.Context, t domain.SignalType, pos domain.Position, action string, meta map[string]string) {
	if c.signals == nil {
		return
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta["position_id"] = pos.ID
	sig := domain.Signal{
		ID:         uuid.NewString(),
		SignalType: t,
		MarketID:   pos.MarketID,
		Action:     action,
		Confidence: 1,
		Metadata:   meta,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.signals.PublishSignal(ctx, sig); err != nil {
		c.logger.WarnContext(ctx, "publish signal failed",
			slog.String("signal_type", string(t)),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) alert(ctx context.Context, event, title, msg string) {
	if c.alerter == nil {
		return
	}
	if err := c.alerter.Notify(ctx, event, title, msg); err != nil {
		c.logger.WarnContext(ctx, "alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) auditLog(ctx context.Context, positionID, event string, detail map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(ctx, positionID, event, detail); err != nil {
		c.logger.WarnContext(ctx, "audit log failed",
			slog.String("position_id", positionID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
