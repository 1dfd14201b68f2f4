package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservations(t *testing.T) {
	ctx := context.Background()
	r := NewReservations()

	added, err := r.Reserve(ctx, "mkt-1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = r.Reserve(ctx, "mkt-1")
	require.NoError(t, err)
	assert.False(t, added, "second reserve is not new")

	ok, _ := r.Contains(ctx, "mkt-1")
	assert.True(t, ok)

	require.NoError(t, r.Release(ctx, "mkt-1"))
	require.NoError(t, r.Release(ctx, "mkt-1"))
	ok, _ = r.Contains(ctx, "mkt-1")
	assert.False(t, ok)
}

func TestReservations_ConcurrentReserveHasOneWinner(t *testing.T) {
	ctx := context.Background()
	r := NewReservations()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if added, _ := r.Reserve(ctx, "mkt-1"); added {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, r.Len())
}
