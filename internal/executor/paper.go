package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// PaperExecutor fills market orders against the current top of book without
// touching the exchange. Sells fill at the best bid and buys at the best ask.
type PaperExecutor struct {
	market  domain.MarketData
	feeRate decimal.Decimal
	logger  *slog.Logger
}

// NewPaperExecutor creates a PaperExecutor charging feeRate on notional.
func NewPaperExecutor(market domain.MarketData, feeRate decimal.Decimal, logger *slog.Logger) *PaperExecutor {
	return &PaperExecutor{
		market:  market,
		feeRate: feeRate,
		logger:  logger.With(slog.String("component", "paper_executor")),
	}
}

// ExecuteMarketOrder implements domain.OrderExecutor.
func (p *PaperExecutor) ExecuteMarketOrder(ctx context.Context, order domain.MarketOrder) (domain.ExecutionReport, error) {
	if order.OutcomeID == "" || !order.Quantity.IsPositive() {
		return domain.ExecutionReport{}, fmt.Errorf("paper executor: %w: token %q quantity %s", domain.ErrInvalidOrder, order.OutcomeID, order.Quantity)
	}
	orderID := order.ID
	if orderID == "" {
		orderID = uuid.NewString()
	}

	book, err := p.market.GetOrderBook(ctx, order.OutcomeID)
	if err != nil {
		return domain.ExecutionReport{}, fmt.Errorf("paper executor: order book %s: %w", order.OutcomeID, err)
	}

	price := book.BestBid
	if order.Side == domain.OrderSideBuy {
		price = book.BestAsk
	}
	if !price.IsPositive() {
		return domain.ExecutionReport{
			OrderID:      orderID,
			Status:       domain.OrderStatusRejected,
			ErrorMessage: "no liquidity on " + string(order.Side) + " side",
		}, nil
	}

	fees := price.Mul(order.Quantity).Mul(p.feeRate)
	p.logger.DebugContext(ctx, "paper fill",
		slog.String("order_id", orderID),
		slog.String("position_id", order.PositionID),
		slog.String("token_id", order.OutcomeID),
		slog.String("side", string(order.Side)),
		slog.String("price", price.String()),
		slog.String("quantity", order.Quantity.String()),
	)
	return domain.ExecutionReport{
		OrderID:        orderID,
		Status:         domain.OrderStatusMatched,
		AveragePrice:   price,
		FilledQuantity: order.Quantity,
		FeesPaid:       fees,
	}, nil
}
