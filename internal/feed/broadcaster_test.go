package feed

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyguard/internal/domain"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster(4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(domain.TradeEvent{MarketID: "m1"})

	assert.Equal(t, "m1", (<-s1.C).MarketID)
	assert.Equal(t, "m1", (<-s2.C).MarketID)
}

func TestBroadcasterCountsLag(t *testing.T) {
	b := NewBroadcaster(2)
	slow := b.Subscribe()
	fast := b.Subscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	received := 0
	go func() {
		defer wg.Done()
		for range fast.C {
			received++
		}
	}()

	for i := 0; i < 5; i++ {
		b.Publish(domain.TradeEvent{MarketID: "m"})
	}
	assert.Equal(t, uint64(3), slow.Lagged())
	assert.Equal(t, uint64(3), slow.TakeLagged())
	assert.Zero(t, slow.TakeLagged())
	assert.Len(t, slow.C, 2)

	b.Close()
	wg.Wait()
	assert.LessOrEqual(t, received, 5)
}

func TestSubscriptionClose(t *testing.T) {
	b := NewBroadcaster(1)
	s := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())
	s.Close()
	s.Close()
	assert.Zero(t, b.Subscribers())
	_, ok := <-s.C
	assert.False(t, ok)

	b.Publish(domain.TradeEvent{})
	b.Close()
	late := b.Subscribe()
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestNormalizeWallet(t *testing.T) {
	got, ok := NormalizeWallet(" 0x52908400098527886e0f7030069857d2e4169ee7 ")
	require.True(t, ok)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", got)

	_, ok = NormalizeWallet("not-a-wallet")
	assert.False(t, ok)
}

func TestTradeFeedHandleNormalizes(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe()
	f := NewTradeFeed("ws://unused", b, slog.New(slog.NewTextHandler(io.Discard, nil)))

	f.Handle(domain.TradeEvent{WalletAddress: "garbage", MarketID: "m"})
	f.Handle(domain.TradeEvent{WalletAddress: "0x52908400098527886e0f7030069857d2e4169ee7", MarketID: "m"})

	ev := <-sub.C
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", ev.WalletAddress)
	assert.Len(t, sub.C, 0)
}
