package polymarket

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

func TestToDomainMarket_ResolvedByTokenWinner(t *testing.T) {
	m := APIMarket{
		ID:     "m1",
		Closed: true,
		Tokens: []Token{
			{TokenID: "t-yes", Outcome: "Yes"},
			{TokenID: "t-no", Outcome: "No", Winner: true},
		},
	}
	dm := m.ToDomainMarket()
	assert.True(t, dm.Resolved)
	assert.Equal(t, "No", dm.WinningOutcome)
	assert.Equal(t, [2]string{"t-yes", "t-no"}, dm.TokenIDs)
	assert.True(t, dm.Payout("no").Equal(decimal.NewFromInt(1)))
	assert.True(t, dm.Payout("Yes").IsZero())
}

func TestToDomainMarket_ResolvedByOutcomePrices(t *testing.T) {
	m := APIMarket{
		ID:            "m1",
		Closed:        true,
		Outcomes:      `["Up","Down"]`,
		OutcomePrices: `["1","0"]`,
		ClobTokenIDs:  `["111","222"]`,
	}
	dm := m.ToDomainMarket()
	assert.True(t, dm.Resolved)
	assert.Equal(t, "Up", dm.WinningOutcome)
	tok, ok := dm.TokenFor("down")
	require.True(t, ok)
	assert.Equal(t, "222", tok)
}

func TestToDomainMarket_OpenMarketIsNotResolved(t *testing.T) {
	m := APIMarket{ID: "m1", Active: true, OutcomePrices: `["1","0"]`}
	dm := m.ToDomainMarket()
	assert.False(t, dm.Resolved)
	assert.Equal(t, domain.MarketStatusActive, dm.Status)
}

func TestToDomainMarket_AmbiguousPricesAreNotResolved(t *testing.T) {
	m := APIMarket{ID: "m1", Closed: true, OutcomePrices: `["0.5","0.5"]`}
	assert.False(t, m.ToDomainMarket().Resolved)
}

func TestToDomainBook(t *testing.T) {
	b := BookResponse{
		AssetID:   "tok",
		Bids:      []PriceLevel{{Price: "0.41", Size: "10"}, {Price: "0.45", Size: "5"}, {Price: "0.49", Size: "0"}},
		Asks:      []PriceLevel{{Price: "0.52", Size: "1"}, {Price: "0.50", Size: "2"}},
		Timestamp: "1767225600000",
	}
	ob := b.ToDomainBook()
	assert.True(t, ob.BestBid.Equal(decimal.RequireFromString("0.45")))
	assert.True(t, ob.BestAsk.Equal(decimal.RequireFromString("0.50")))
	assert.Equal(t, int64(1767225600), ob.Timestamp.Unix())
}

func TestTradePayload(t *testing.T) {
	p := TradePayload{
		ProxyWallet: "0xabc",
		Side:        "SELL",
		ConditionID: "0xcond",
		Asset:       "tok",
		Price:       decimal.RequireFromString("0.61"),
		Size:        decimal.NewFromInt(20),
		Timestamp:   1767225600,
	}
	ev := p.ToDomainTrade()
	assert.Equal(t, domain.OrderSideSell, ev.Direction)
	assert.Equal(t, "0xcond", ev.MarketID)
	assert.Equal(t, int64(1767225600), ev.Timestamp.Unix())
}

func TestFlexBool(t *testing.T) {
	var m APIMarket
	require.NoError(t, jsonUnmarshal(`{"active":"true","closed":false}`, &m))
	assert.True(t, bool(m.Active))
	assert.False(t, bool(m.Closed))
}
