package exit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/feed"
)

// RunMirror closes mirrored positions when their source wallet sells. It
// returns when ctx is cancelled or sub is closed.
func (c *Coordinator) RunMirror(ctx context.Context, sub *feed.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if n := sub.TakeLagged(); n > 0 {
				c.logger.WarnContext(ctx, "mirror listener lagged, trades skipped", slog.Uint64("skipped", n))
			}
			if err := c.HandleTrade(ctx, ev); err != nil {
				c.logger.ErrorContext(ctx, "mirror exit failed",
					slog.String("wallet", ev.WalletAddress),
					slog.String("market_id", ev.MarketID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// HandleTrade closes every open position mirrored from ev's wallet in ev's
// market when ev is a sell.
func (c *Coordinator) HandleTrade(ctx context.Context, ev domain.TradeEvent) error {
	if ev.Direction != domain.OrderSideSell {
		return nil
	}
	wallet, ok := feed.NormalizeWallet(ev.WalletAddress)
	if !ok {
		return nil
	}
	positions, err := c.store.ListOpenBySource(ctx, wallet, ev.MarketID)
	if err != nil {
		return fmt.Errorf("exit: mirror lookup %s: %w", ev.MarketID, err)
	}
	if len(positions) == 0 {
		return nil
	}
	c.logger.InfoContext(ctx, "source wallet sold, closing mirrored positions",
		slog.String("wallet", wallet),
		slog.String("market_id", ev.MarketID),
		slog.Int("positions", len(positions)),
	)
	c.each(ctx, "mirror", positions, func(ctx context.Context, pos domain.Position) error {
		_, err := c.sellAndClose(ctx, pos, domain.ReasonMirrorExit)
		return err
	})
	return nil
}
