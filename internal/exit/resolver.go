package exit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

// MarketGetter fetches a single market. The Polymarket client implements it;
// resolvers fall back to a full GetMarkets listing when it is absent.
type MarketGetter interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
}

// TokenResolver maps position legs to outcome token ids. Lookups go to an
// in-process map, then the optional shared cache, then market data.
type TokenResolver struct {
	market domain.MarketData
	cache  domain.MarketCache
	logger *slog.Logger

	mu      sync.RWMutex
	markets map[string]domain.Market
}

// NewTokenResolver creates a resolver. cache may be nil.
func NewTokenResolver(market domain.MarketData, cache domain.MarketCache, logger *slog.Logger) *TokenResolver {
	return &TokenResolver{
		market:  market,
		cache:   cache,
		logger:  logger.With(slog.String("component", "token_resolver")),
		markets: make(map[string]domain.Market),
	}
}

// Observe records markets seen elsewhere, e.g. by the resolution sweep.
// Cache write failures are logged; the in-process map still holds them.
func (r *TokenResolver) Observe(ctx context.Context, markets ...domain.Market) {
	r.mu.Lock()
	for _, m := range markets {
		r.markets[m.ID] = m
	}
	r.mu.Unlock()
	if r.cache == nil {
		return
	}
	for _, m := range markets {
		if err := r.cache.Set(ctx, m); err != nil {
			r.logger.WarnContext(ctx, "market cache write failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Market returns the market with id, refreshing from market data on a miss.
func (r *TokenResolver) Market(ctx context.Context, id string) (domain.Market, error) {
	r.mu.RLock()
	m, ok := r.markets[id]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}
	if r.cache != nil {
		if m, err := r.cache.Get(ctx, id); err == nil {
			r.mu.Lock()
			r.markets[id] = m
			r.mu.Unlock()
			return m, nil
		}
	}
	return r.Refresh(ctx, id)
}

// Refresh bypasses both caches and reloads id from market data.
func (r *TokenResolver) Refresh(ctx context.Context, id string) (domain.Market, error) {
	if g, ok := r.market.(MarketGetter); ok {
		m, err := g.GetMarket(ctx, id)
		if err != nil {
			return domain.Market{}, fmt.Errorf("exit: refresh market %s: %w", id, err)
		}
		r.Observe(ctx, m)
		return m, nil
	}

	all, err := r.market.GetMarkets(ctx)
	if err != nil {
		return domain.Market{}, fmt.Errorf("exit: refresh market %s: %w", id, err)
	}
	r.Observe(ctx, all...)
	for _, m := range all {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Market{}, fmt.Errorf("exit: market %s: %w", id, domain.ErrNotFound)
}

// ResolveLegs returns one token id per leg of pos. Legs that already carry a
// token id are used as-is. A cached market that lacks an outcome is
// refreshed once before giving up.
func (r *TokenResolver) ResolveLegs(ctx context.Context, pos domain.Position) ([]string, error) {
	tokens := pos.TokenIDs()
	missing := false
	for _, t := range tokens {
		if t == "" {
			missing = true
			break
		}
	}
	if !missing {
		return tokens, nil
	}

	m, err := r.Market(ctx, pos.MarketID)
	if err != nil {
		return nil, err
	}
	refreshed := false
	for i, leg := range pos.Legs {
		if tokens[i] != "" {
			continue
		}
		tok, ok := m.TokenFor(leg.Outcome)
		if !ok && !refreshed {
			refreshed = true
			if m, err = r.Refresh(ctx, pos.MarketID); err != nil {
				return nil, err
			}
			tok, ok = m.TokenFor(leg.Outcome)
		}
		if !ok {
			return nil, fmt.Errorf("exit: resolve token for %s/%s: %w", pos.MarketID, leg.Outcome, domain.ErrNotFound)
		}
		tokens[i] = tok
	}
	return tokens, nil
}
