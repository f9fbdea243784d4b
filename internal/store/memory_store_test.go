package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *MemoryStore {
	store := NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMemoryStore_UpsertAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.UpsertHold(ctx, domain.Hold{ProductID: 1, HolderID: "h1", Quantity: 3, TouchedAt: now}))

	hold, ok, err := store.GetHold(ctx, 1, "h1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, hold.Quantity)

	// Upsert replaces, never accumulates
	require.NoError(t, store.UpsertHold(ctx, domain.Hold{ProductID: 1, HolderID: "h1", Quantity: 5, TouchedAt: now}))
	hold, _, _ = store.GetHold(ctx, 1, "h1")
	assert.Equal(t, 5, hold.Quantity)

	holds, err := store.ListByProduct(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, holds, 1)
}

func TestMemoryStore_UpsertZeroDeletes(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertHold(ctx, domain.Hold{ProductID: 1, HolderID: "h1", Quantity: 3}))
	require.NoError(t, store.UpsertHold(ctx, domain.Hold{ProductID: 1, HolderID: "h1", Quantity: 0}))

	_, ok, err := store.GetHold(ctx, 1, "h1")
	require.NoError(t, err)
	assert.False(t, ok)

	byHolder, err := store.ListByHolder(ctx, "h1")
	require.NoError(t, err)
	assert.Empty(t, byHolder)

	byProduct, err := store.ListByProduct(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, byProduct)
}

func TestMemoryStore_ListByHolder(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertHold(ctx, domain.Hold{ProductID: 2, HolderID: "h1", Quantity: 1}))
	require.NoError(t, store.UpsertHold(ctx, domain.Hold{ProductID: 1, HolderID: "h1", Quantity: 4}))
	require.NoError(t, store.UpsertHold(ctx, domain.Hold{ProductID: 1, HolderID: "h2", Quantity: 2}))

	holds, err := store.ListByHolder(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, holds, 2)
	assert.Equal(t, int64(1), holds[0].ProductID)
	assert.Equal(t, int64(2), holds[1].ProductID)
}

func TestMemoryStore_ListStale(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.UpsertHold(ctx, domain.Hold{ProductID: 1, HolderID: "old", Quantity: 1, TouchedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, store.UpsertHold(ctx, domain.Hold{ProductID: 2, HolderID: "older", Quantity: 1, TouchedAt: now.Add(-3 * time.Hour)}))
	require.NoError(t, store.UpsertHold(ctx, domain.Hold{ProductID: 1, HolderID: "fresh", Quantity: 1, TouchedAt: now}))

	stale, err := store.ListStale(ctx, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "older", stale[0].HolderID)
	assert.Equal(t, "old", stale[1].HolderID)

	limited, err := store.ListStale(ctx, now.Add(-time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore_WithProductLock_Serializes(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	inside := 0
	maxInside := 0
	var mu sync.Mutex

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.WithProductLock(ctx, 7, func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
}

func TestMemoryStore_WithProductLock_HonoursContext(t *testing.T) {
	store := setupStore(t)

	release := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		_ = store.WithProductLock(context.Background(), 3, func(ctx context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := store.WithProductLock(ctx, 3, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}
