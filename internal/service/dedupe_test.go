package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryDedupeCheckAndInsert(t *testing.T) {
	d := NewMemoryDedupe(100, time.Hour)
	ctx := context.Background()

	inserted, err := d.CheckAndInsert(ctx, "evt_1")
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = d.CheckAndInsert(ctx, "evt_1")
	require.NoError(t, err)
	require.False(t, inserted)

	inserted, err = d.CheckAndInsert(ctx, "evt_2")
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestMemoryDedupeRelease(t *testing.T) {
	d := NewMemoryDedupe(100, time.Hour)
	ctx := context.Background()

	_, err := d.CheckAndInsert(ctx, "evt_1")
	require.NoError(t, err)
	require.NoError(t, d.Release(ctx, "evt_1"))

	inserted, err := d.CheckAndInsert(ctx, "evt_1")
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestMemoryDedupeSizeBound(t *testing.T) {
	d := NewMemoryDedupe(3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := d.CheckAndInsert(ctx, fmt.Sprintf("evt_%d", i))
		require.NoError(t, err)
	}

	// Inserting a 4th evicts the oldest.
	inserted, err := d.CheckAndInsert(ctx, "evt_3")
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = d.CheckAndInsert(ctx, "evt_0")
	require.NoError(t, err)
	require.True(t, inserted, "oldest entry should have been evicted")

	inserted, err = d.CheckAndInsert(ctx, "evt_3")
	require.NoError(t, err)
	require.False(t, inserted, "recent entry must still be present")
}

func TestMemoryDedupeTTLBound(t *testing.T) {
	d := NewMemoryDedupe(100, time.Hour).(*memoryDedupe)
	ctx := context.Background()

	current := time.Now()
	d.now = func() time.Time { return current }

	_, err := d.CheckAndInsert(ctx, "evt_old")
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)

	inserted, err := d.CheckAndInsert(ctx, "evt_old")
	require.NoError(t, err)
	require.True(t, inserted, "expired entry should be treated as absent")
}

func TestMemoryDedupeConcurrentSameID(t *testing.T) {
	d := NewMemoryDedupe(1000, time.Hour)
	ctx := context.Background()

	const n = 32
	var wins int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			inserted, err := d.CheckAndInsert(ctx, "evt_contended")
			require.NoError(t, err)
			if inserted {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), wins, "exactly one concurrent delivery may observe absent")
}
