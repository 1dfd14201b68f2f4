package polymarket

import (
	"context"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// Client combines Gamma metadata and CLOB books into domain.MarketData.
type Client struct {
	gamma *GammaClient
	clob  *ClobClient
}

// NewClient creates a Client.
func NewClient(gamma *GammaClient, clob *ClobClient) *Client {
	return &Client{gamma: gamma, clob: clob}
}

// GetMarkets implements domain.MarketData.
func (c *Client) GetMarkets(ctx context.Context) ([]domain.Market, error) {
	return c.gamma.ListMarkets(ctx)
}

// GetMarket fetches a single market by id.
func (c *Client) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	return c.gamma.GetMarket(ctx, id)
}

// GetOrderBook implements domain.MarketData.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	return c.clob.GetOrderBook(ctx, tokenID)
}

var _ domain.MarketData = (*Client)(nil)
