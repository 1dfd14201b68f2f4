package domain

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive  MarketStatus = "active"
	MarketStatusClosed  MarketStatus = "closed"
	MarketStatusSettled MarketStatus = "settled"
)

// Market is the subset of prediction-market metadata the exit path needs.
type Market struct {
	ID       string
	Question string
	Slug     string
	Outcomes [2]string // e.g. ["Yes","No"]
	TokenIDs [2]string // ERC-1155 token ids
	Status   MarketStatus
	// Resolved is set once the market has a winning outcome.
	Resolved       bool
	WinningOutcome string
	UpdatedAt      time.Time
}

// TokenFor returns the token id of the named outcome (case-insensitive).
func (m Market) TokenFor(outcome string) (string, bool) {
	for i, o := range m.Outcomes {
		if strings.EqualFold(o, outcome) && m.TokenIDs[i] != "" {
			return m.TokenIDs[i], true
		}
	}
	return "", false
}

// Payout is the settlement value per share of outcome: 1 for the winner,
// 0 otherwise.
func (m Market) Payout(outcome string) decimal.Decimal {
	if m.Resolved && strings.EqualFold(m.WinningOutcome, outcome) {
		return decimal.NewFromInt(1)
	}
	return decimal.Zero
}

// OrderBook is the top of book for one token.
type OrderBook struct {
	TokenID   string
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Timestamp time.Time
}

// MarketData is the external market-data client.
type MarketData interface {
	GetMarkets(ctx context.Context) ([]Market, error)
	GetOrderBook(ctx context.Context, tokenID string) (OrderBook, error)
}
