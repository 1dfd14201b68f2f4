package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// DefaultMarketTTL bounds how stale a cached market may be.
const DefaultMarketTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache. It is the shared tier behind
// the exit coordinator's token resolver, so processes resolve outcome
// tokens without each hitting the market-data API.
//
// Key schema, under the client prefix:
//
//	market:{id}            hash, field "data" holds the JSON market
//	market:token:{tokenID} string, the owning market id
type MarketCache struct {
	rdb    *redis.Client
	client *Client
	ttl    time.Duration
}

// NewMarketCache creates a MarketCache on c. A non-positive ttl selects
// DefaultMarketTTL.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = DefaultMarketTTL
	}
	return &MarketCache{rdb: c.Underlying(), client: c, ttl: ttl}
}

func (mc *MarketCache) marketKey(id string) string { return mc.client.Key("market", id) }

func (mc *MarketCache) tokenKey(tok string) string { return mc.client.Key("market", "token", tok) }

// Set stores market and indexes both of its token ids.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}

	key := mc.marketKey(market.ID)

	pipe := mc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, mc.ttl)

	for _, tokenID := range market.TokenIDs {
		if tokenID != "" {
			pipe.Set(ctx, mc.tokenKey(tokenID), market.ID, mc.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.ID, err)
	}
	return nil
}

// Get returns the cached market or domain.ErrNotFound.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.rdb.HGet(ctx, mc.marketKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return market, nil
}

// GetByToken resolves tokenID through the index, then loads the market.
func (mc *MarketCache) GetByToken(ctx context.Context, tokenID string) (domain.Market, error) {
	marketID, err := mc.rdb.Get(ctx, mc.tokenKey(tokenID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market by token %s: %w", tokenID, err)
	}

	return mc.Get(ctx, marketID)
}

// Invalidate drops the market and, when it can still be read, its token
// index entries. Resolution observed by the exit path calls this so stale
// unresolved metadata is not served.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	market, err := mc.Get(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}

	pipe := mc.rdb.TxPipeline()
	pipe.Del(ctx, mc.marketKey(id))
	if err == nil {
		for _, tokenID := range market.TokenIDs {
			if tokenID != "" {
				pipe.Del(ctx, mc.tokenKey(tokenID))
			}
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

var _ domain.MarketCache = (*MarketCache)(nil)
