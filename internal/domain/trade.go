package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeEvent is one wallet trade observed on the external trade feed.
type TradeEvent struct {
	WalletAddress string          `json:"wallet_address"`
	Direction     OrderSide       `json:"direction"`
	MarketID      string          `json:"market_id"`
	TokenID       string          `json:"token_id"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Timestamp     time.Time       `json:"timestamp"`
}
