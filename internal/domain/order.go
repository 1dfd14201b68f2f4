package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus tracks the outcome reported by an executor.
type OrderStatus string

const (
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// MarketOrder is an immediate-or-cancel order for one outcome token.
type MarketOrder struct {
	ID         string
	PositionID string
	MarketID   string
	OutcomeID  string // token id of the leg being traded
	Side       OrderSide
	Quantity   decimal.Decimal
	Reason     string
}

// ExecutionReport is the executor's account of a market order.
type ExecutionReport struct {
	OrderID        string
	Status         OrderStatus
	AveragePrice   decimal.Decimal
	FilledQuantity decimal.Decimal
	FeesPaid       decimal.Decimal
	ErrorMessage   string
}

// IsSuccess reports whether the order filled. Partial fills count as
// failures for exit purposes.
func (r ExecutionReport) IsSuccess() bool {
	return r.Status == OrderStatusMatched && r.FilledQuantity.IsPositive()
}

// OrderExecutor places market orders. Timeouts are the executor's concern;
// callers treat any error as a failed placement.
type OrderExecutor interface {
	ExecuteMarketOrder(ctx context.Context, order MarketOrder) (ExecutionReport, error)
}
