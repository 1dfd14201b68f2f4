package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// flexBool unmarshals from a JSON bool or from "true"/"false"/"1" strings;
// Gamma is inconsistent about which it sends.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// jsonList decodes the JSON-encoded string arrays Gamma embeds in fields
// such as outcomes and clobTokenIds.
func jsonList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// APIMarket is a market as returned by the Gamma API.
type APIMarket struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	ConditionID   string   `json:"conditionId"`
	Slug          string   `json:"slug"`
	Active        flexBool `json:"active"`
	Closed        flexBool `json:"closed"`
	Outcomes      string   `json:"outcomes"`      // e.g. "[\"Yes\",\"No\"]"
	OutcomePrices string   `json:"outcomePrices"` // e.g. "[\"1\",\"0\"]"
	ClobTokenIDs  string   `json:"clobTokenIds"`  // e.g. "[\"123\",\"456\"]"
	Tokens        []Token  `json:"tokens"`
	UMAStatus     string   `json:"umaResolutionStatus"`
	UpdatedAt     string   `json:"updatedAt"`
}

// Token is a CLOB token entry. Only some Gamma responses carry it.
type Token struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Winner  bool   `json:"winner"`
}

// ToDomainMarket converts m. A closed market is resolved when a token is
// flagged winner or, failing that, when exactly one outcome price is 1.
func (m *APIMarket) ToDomainMarket() domain.Market {
	dm := domain.Market{
		ID:       m.ID,
		Question: m.Question,
		Slug:     m.Slug,
		Outcomes: [2]string{"Yes", "No"},
	}

	if len(m.Tokens) > 0 {
		for i, tok := range m.Tokens {
			if i >= 2 {
				break
			}
			dm.TokenIDs[i] = tok.TokenID
			if tok.Outcome != "" {
				dm.Outcomes[i] = tok.Outcome
			}
			if tok.Winner {
				dm.WinningOutcome = dm.Outcomes[i]
			}
		}
	} else {
		for i, o := range jsonList(m.Outcomes) {
			if i < 2 && o != "" {
				dm.Outcomes[i] = o
			}
		}
		for i, id := range jsonList(m.ClobTokenIDs) {
			if i < 2 {
				dm.TokenIDs[i] = id
			}
		}
	}

	switch {
	case bool(m.Closed):
		dm.Status = domain.MarketStatusClosed
	case bool(m.Active):
		dm.Status = domain.MarketStatusActive
	default:
		dm.Status = domain.MarketStatusSettled
	}

	if m.Closed {
		if dm.WinningOutcome == "" {
			dm.WinningOutcome = winnerFromPrices(dm.Outcomes, jsonList(m.OutcomePrices))
		}
		if dm.WinningOutcome != "" {
			dm.Resolved = true
			dm.Status = domain.MarketStatusSettled
		}
	}

	if t, err := time.Parse(time.RFC3339, m.UpdatedAt); err == nil {
		dm.UpdatedAt = t
	}
	return dm
}

func winnerFromPrices(outcomes [2]string, prices []string) string {
	one := decimal.NewFromInt(1)
	winner := ""
	for i, p := range prices {
		if i >= 2 {
			break
		}
		px, err := decimal.NewFromString(p)
		if err != nil {
			return ""
		}
		if px.Equal(one) {
			if winner != "" {
				return ""
			}
			winner = outcomes[i]
		}
	}
	return winner
}

// BookResponse is the CLOB /book payload.
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp string       `json:"timestamp"`
}

// PriceLevel is one bid or ask level.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// ToDomainBook reduces b to its top of book. Levels with unparsable or zero
// size are ignored.
func (b *BookResponse) ToDomainBook() domain.OrderBook {
	ob := domain.OrderBook{TokenID: b.AssetID}
	for _, lvl := range b.Bids {
		if px, ok := parseLevel(lvl); ok && px.GreaterThan(ob.BestBid) {
			ob.BestBid = px
		}
	}
	for _, lvl := range b.Asks {
		if px, ok := parseLevel(lvl); ok && (ob.BestAsk.IsZero() || px.LessThan(ob.BestAsk)) {
			ob.BestAsk = px
		}
	}
	ob.Timestamp = parseTimestamp(b.Timestamp)
	return ob
}

func parseLevel(lvl PriceLevel) (decimal.Decimal, bool) {
	px, err := decimal.NewFromString(lvl.Price)
	if err != nil {
		return decimal.Zero, false
	}
	size, err := decimal.NewFromString(lvl.Size)
	if err != nil || !size.IsPositive() {
		return decimal.Zero, false
	}
	return px, true
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func parseTimestamp(s string) time.Time {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now().UTC()
}

// TradeMessage is one trade frame from the activity stream.
type TradeMessage struct {
	Topic   string       `json:"topic"`
	Type    string       `json:"type"`
	Payload TradePayload `json:"payload"`
}

// TradePayload carries the trade fields used for mirroring.
type TradePayload struct {
	ProxyWallet string          `json:"proxyWallet"`
	Side        string          `json:"side"` // BUY or SELL
	ConditionID string          `json:"conditionId"`
	Asset       string          `json:"asset"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	Timestamp   int64           `json:"timestamp"`
}

// ToDomainTrade converts p. The condition id is used as the market id.
func (p *TradePayload) ToDomainTrade() domain.TradeEvent {
	dir := domain.OrderSideBuy
	if strings.EqualFold(p.Side, "sell") {
		dir = domain.OrderSideSell
	}
	ts := time.Now().UTC()
	if p.Timestamp > 0 {
		ts = parseTimestamp(strconv.FormatInt(p.Timestamp, 10))
	}
	return domain.TradeEvent{
		WalletAddress: p.ProxyWallet,
		Direction:     dir,
		MarketID:      p.ConditionID,
		TokenID:       p.Asset,
		Price:         p.Price,
		Quantity:      p.Size,
		Timestamp:     ts,
	}
}

// subscribeCommand is the activity-stream subscription request.
type subscribeCommand struct {
	Action        string         `json:"action"`
	Subscriptions []subscription `json:"subscriptions"`
}

type subscription struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
}
