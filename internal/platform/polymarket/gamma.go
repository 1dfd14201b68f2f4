package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// DefaultGammaPageSize is the page size used by ListMarkets.
const DefaultGammaPageSize = 200

// GammaClient is the REST client for the Polymarket Gamma API (market
// metadata and resolution).
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	pageSize   int
	maxPages   int
}

// NewGammaClient creates a Gamma client on baseURL, e.g.
// "https://gamma-api.polymarket.com". maxPages bounds ListMarkets.
func NewGammaClient(baseURL string, pageSize, maxPages int) *GammaClient {
	if pageSize <= 0 {
		pageSize = DefaultGammaPageSize
	}
	if maxPages <= 0 {
		maxPages = 5
	}
	return &GammaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pageSize:   pageSize,
		maxPages:   maxPages,
	}
}

// ListMarkets pages through markets ordered by most recently updated, so
// markets that just resolved are always on the first pages.
func (g *GammaClient) ListMarkets(ctx context.Context) ([]domain.Market, error) {
	var markets []domain.Market
	for page := 0; page < g.maxPages; page++ {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(g.pageSize))
		params.Set("offset", strconv.Itoa(page*g.pageSize))
		params.Set("order", "updatedAt")
		params.Set("ascending", "false")

		body, err := doGet(ctx, g.httpClient, g.baseURL+"/markets?"+params.Encode())
		if err != nil {
			return nil, fmt.Errorf("polymarket/gamma: list markets page %d: %w", page, err)
		}
		var batch []APIMarket
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
		}
		for i := range batch {
			markets = append(markets, batch[i].ToDomainMarket())
		}
		if len(batch) < g.pageSize {
			break
		}
	}
	return markets, nil
}

// GetMarket returns one market by id.
func (g *GammaClient) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	body, err := doGet(ctx, g.httpClient, g.baseURL+"/markets/"+url.PathEscape(id))
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: get market %s: %w", id, err)
	}
	var m APIMarket
	if err := json.Unmarshal(body, &m); err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: decode market %s: %w", id, err)
	}
	return m.ToDomainMarket(), nil
}
