// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Basic operations
// ============================================================================

func TestCache_SetGetDelete(t *testing.T) {
	c := New[string, int]()
	defer c.Stop()

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", 1)
	c.Set("b", 2)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Size())

	c.Set("a", 3)
	v, _ = c.Get("a")
	assert.Equal(t, 3, v)
	assert.Equal(t, 2, c.Size())

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Zero(t, c.Size())
}

func TestCache_MaxSize(t *testing.T) {
	c := New(WithMaxSize[int, int](64))
	defer c.Stop()

	for i := range 1000 {
		c.Set(i, i)
	}
	assert.LessOrEqual(t, c.Size(), 64)
	assert.Positive(t, c.Size())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := New(WithMaxSize[string, int](2), WithNumShards[string, int](1))
		defer c.Stop()

		c.Set("a", 1)
		time.Sleep(time.Millisecond)
		c.Set("b", 2)
		time.Sleep(time.Millisecond)
		c.Get("a")
		time.Sleep(time.Millisecond)
		c.Set("c", 3)

		_, ok := c.Get("b")
		assert.False(t, ok, "b was least recently used")
		_, ok = c.Get("a")
		assert.True(t, ok)
		_, ok = c.Get("c")
		assert.True(t, ok)
	})
}

// ============================================================================
// Expiry
// ============================================================================

func TestCache_Expiry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		expiry := 100 * time.Millisecond
		c := New(WithExpiry[string, string](expiry))
		defer c.Stop()

		c.Set("k", "v")
		time.Sleep(50 * time.Millisecond)
		v, ok := c.Get("k")
		require.True(t, ok)
		assert.Equal(t, "v", v)

		// Get refreshed the access time.
		time.Sleep(60 * time.Millisecond)
		_, ok = c.Get("k")
		assert.True(t, ok)

		time.Sleep(expiry + 10*time.Millisecond)
		_, ok = c.Get("k")
		assert.False(t, ok)
	})
}

func TestCache_CleanupRemovesExpired(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		expiry := 50 * time.Millisecond
		c := New(WithExpiry[string, string](expiry))
		defer c.Stop()

		c.Set("a", "1")
		c.Set("b", "2")
		assert.Equal(t, 2, c.Size())

		// Two cleanup periods: the first may see the entries as fresh.
		time.Sleep(2*expiry + time.Millisecond)
		synctest.Wait()
		assert.Zero(t, c.Size())
	})
}

func TestCache_StopEndsCleanup(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		c := New(WithExpiry[string, string](10 * time.Millisecond))
		c.Set("a", "1")
		c.Stop()
		c.Stop()

		time.Sleep(100 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, 1, c.Size(), "no sweep after Stop")
	})
}

// ============================================================================
// Loading
// ============================================================================

func TestCache_GetOrLoad(t *testing.T) {
	var calls atomic.Int32
	c := New(WithLoadFunc(func(ctx context.Context, k int) (string, error) {
		calls.Add(1)
		return fmt.Sprintf("v%d", k), nil
	}))
	defer c.Stop()

	ctx := context.Background()
	v, err := c.GetOrLoad(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "v7", v)

	v, err = c.GetOrLoad(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "v7", v)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCache_GetOrLoadErrorNotCached(t *testing.T) {
	boom := errors.New("boom")
	var fail atomic.Bool
	fail.Store(true)
	c := New(WithLoadFunc(func(ctx context.Context, k string) (int, error) {
		if fail.Load() {
			return 0, boom
		}
		return 1, nil
	}))
	defer c.Stop()

	_, err := c.GetOrLoad(context.Background(), "k")
	require.ErrorIs(t, err, boom)
	assert.Zero(t, c.Size())

	fail.Store(false)
	v, err := c.GetOrLoad(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCache_GetOrLoadWithoutLoader(t *testing.T) {
	c := New[string, int]()
	defer c.Stop()

	_, err := c.GetOrLoad(context.Background(), "missing")
	assert.Error(t, err)
}

func TestCache_ConcurrentLoadsShareCall(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		c := New(WithLoadFunc(func(ctx context.Context, k string) (int, error) {
			calls.Add(1)
			time.Sleep(10 * time.Millisecond)
			return 42, nil
		}))
		defer c.Stop()

		var wg sync.WaitGroup
		for range 16 {
			wg.Go(func() {
				v, err := c.GetOrLoad(context.Background(), "hot")
				assert.NoError(t, err)
				assert.Equal(t, 42, v)
			})
		}
		wg.Wait()
		assert.EqualValues(t, 1, calls.Load())
	})
}
