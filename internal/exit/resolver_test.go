package exit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

type getterMarket struct {
	fakeMarket
	gets int
}

func (g *getterMarket) GetMarket(_ context.Context, id string) (domain.Market, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gets++
	for _, m := range g.markets {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

type mapCache struct{ markets map[string]domain.Market }

func (c *mapCache) Set(_ context.Context, m domain.Market) error { c.markets[m.ID] = m; return nil }

func (c *mapCache) Get(_ context.Context, id string) (domain.Market, error) {
	m, ok := c.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (c *mapCache) GetByToken(context.Context, string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

func (c *mapCache) Invalidate(_ context.Context, id string) error { delete(c.markets, id); return nil }

type failingCache struct{ mapCache }

func (c *failingCache) Set(context.Context, domain.Market) error { return errors.New("redis down") }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func legPosition(t *testing.T, outcome, token string) domain.Position {
	t.Helper()
	p, err := domain.NewPosition("p", "mkt-1", []domain.Leg{
		{Outcome: outcome, TokenID: token, EntryPrice: decimal.RequireFromString("0.4")},
	}, decimal.NewFromInt(1), domain.ExitOnCorrection)
	require.NoError(t, err)
	return p
}

func TestTokenResolver_Tiers(t *testing.T) {
	ctx := context.Background()
	md := &getterMarket{fakeMarket: fakeMarket{markets: []domain.Market{{
		ID: "mkt-1", Outcomes: [2]string{"Yes", "No"}, TokenIDs: [2]string{"t-yes", "t-no"},
	}}}}
	cache := &mapCache{markets: map[string]domain.Market{}}
	r := NewTokenResolver(md, cache, discardLogger())

	tokens, err := r.ResolveLegs(ctx, legPosition(t, "no", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"t-no"}, tokens)
	assert.Equal(t, 1, md.gets)
	assert.Zero(t, md.listed, "single-market lookups avoid listing")
	assert.Contains(t, cache.markets, "mkt-1", "refresh writes through to the cache")

	_, err = r.ResolveLegs(ctx, legPosition(t, "Yes", ""))
	require.NoError(t, err)
	assert.Equal(t, 1, md.gets, "second lookup is served in-process")

	// A fresh resolver sharing the cache does not hit market data.
	r2 := NewTokenResolver(md, cache, discardLogger())
	_, err = r2.Market(ctx, "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, md.gets)
}

func TestTokenResolver_KnownTokenSkipsLookup(t *testing.T) {
	md := &fakeMarket{}
	r := NewTokenResolver(md, nil, discardLogger())
	tokens, err := r.ResolveLegs(context.Background(), legPosition(t, "Yes", "given"))
	require.NoError(t, err)
	assert.Equal(t, []string{"given"}, tokens)
	assert.Zero(t, md.listed)
}

func TestTokenResolver_RefreshesStaleMarket(t *testing.T) {
	ctx := context.Background()
	md := &fakeMarket{markets: []domain.Market{{
		ID: "mkt-1", Outcomes: [2]string{"Yes", "No"}, TokenIDs: [2]string{"t-yes", "t-no"},
	}}}
	r := NewTokenResolver(md, nil, discardLogger())
	r.Observe(ctx, domain.Market{ID: "mkt-1", Outcomes: [2]string{"Yes", "No"}})

	tokens, err := r.ResolveLegs(ctx, legPosition(t, "Yes", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"t-yes"}, tokens)
	assert.Equal(t, 1, md.listed)

	_, err = r.ResolveLegs(ctx, legPosition(t, "Maybe", ""))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTokenResolver_LogsCacheWriteFailure(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	md := &fakeMarket{markets: []domain.Market{{
		ID: "mkt-1", Outcomes: [2]string{"Yes", "No"}, TokenIDs: [2]string{"t-yes", "t-no"},
	}}}
	r := NewTokenResolver(md, &failingCache{mapCache{markets: map[string]domain.Market{}}}, logger)

	tokens, err := r.ResolveLegs(ctx, legPosition(t, "Yes", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"t-yes"}, tokens)
	assert.Contains(t, buf.String(), "market cache write failed")
	assert.Contains(t, buf.String(), "redis down")
}
