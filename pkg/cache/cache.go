// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache is a concurrent in-process cache with optional TTL expiry,
// size bound and read-through loading.
package cache

import (
	"context"
	"fmt"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultShardCount = 64

type entry[V any] struct {
	value      V
	lastAccess atomic.Int64 // unix nanos
}

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]*entry[V]
}

// Cache spreads keys over lock-striped shards. With WithMaxSize each shard
// holds at most its share of the bound and evicts its least recently used
// entry to make room. With WithExpiry an entry not read for the expiry
// duration is gone; a timer sweeps such entries out periodically.
type Cache[K comparable, V any] struct {
	seed     maphash.Seed
	shards   []shard[K, V]
	perShard int
	maxSize  int
	expiry   time.Duration

	loadFunc func(ctx context.Context, key K) (V, error)
	loads    singleflight.Group

	cleanupTimer *time.Timer
	stopOnce     sync.Once
	stopped      chan struct{}
}

type Option[K comparable, V any] func(*Cache[K, V])

// WithMaxSize bounds the number of entries.
func WithMaxSize[K comparable, V any](maxSize int) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.maxSize = maxSize
	}
}

// WithExpiry expires entries not read for d.
func WithExpiry[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.expiry = d
	}
}

func WithNumShards[K comparable, V any](n int) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.shards = make([]shard[K, V], max(n, 1))
	}
}

// WithLoadFunc makes GetOrLoad fill misses from fn. Concurrent misses for
// one key share a single call.
func WithLoadFunc[K comparable, V any](fn func(ctx context.Context, key K) (V, error)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.loadFunc = fn
	}
}

func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		seed:    maphash.MakeSeed(),
		shards:  make([]shard[K, V], defaultShardCount),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.shards {
		c.shards[i].m = make(map[K]*entry[V])
	}
	if c.maxSize > 0 {
		c.perShard = (c.maxSize + len(c.shards) - 1) / len(c.shards)
	}
	if c.expiry > 0 {
		c.startCleanup()
	}
	return c
}

func (c *Cache[K, V]) shardFor(key K) *shard[K, V] {
	return &c.shards[maphash.Comparable(c.seed, key)%uint64(len(c.shards))]
}

func (c *Cache[K, V]) startCleanup() {
	c.cleanupTimer = time.AfterFunc(c.expiry, func() {
		c.cleanup()
		select {
		case <-c.stopped:
		default:
			c.cleanupTimer.Reset(c.expiry)
		}
	})
}

func (c *Cache[K, V]) cleanup() {
	now := time.Now().UnixNano()
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, e := range s.m {
			if c.expired(e, now) {
				delete(s.m, k)
			}
		}
		s.mu.Unlock()
	}
}

func (c *Cache[K, V]) expired(e *entry[V], now int64) bool {
	return c.expiry > 0 && now-e.lastAccess.Load() > c.expiry.Nanoseconds()
}

// Stop ends background cleanup.
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopped)
		if c.cleanupTimer != nil {
			c.cleanupTimer.Stop()
		}
	})
}

// Get returns the cached value for key and refreshes its access time.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()

	now := time.Now().UnixNano()
	if !ok || c.expired(e, now) {
		var zero V
		return zero, false
	}
	e.lastAccess.Store(now)
	return e.value, true
}

// GetOrLoad returns the cached value or loads, caches and returns it.
// Load errors are not cached.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	if c.loadFunc == nil {
		var zero V
		return zero, fmt.Errorf("cache: no load function for miss on %v", key)
	}

	v, err, _ := c.loads.Do(fmt.Sprint(key), func() (any, error) {
		v, err := c.loadFunc(ctx, key)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Set stores value under key, evicting the shard's least recently used
// entry when the shard is full.
func (c *Cache[K, V]) Set(key K, value V) {
	e := &entry[V]{value: value}
	e.lastAccess.Store(time.Now().UnixNano())

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.m[key]; !exists && c.perShard > 0 && len(s.m) >= c.perShard {
		evictOldest(s.m)
	}
	s.m[key] = e
}

func evictOldest[K comparable, V any](m map[K]*entry[V]) {
	var (
		oldestKey  K
		oldestTime int64
		found      bool
	)
	for k, e := range m {
		if t := e.lastAccess.Load(); !found || t < oldestTime {
			oldestKey, oldestTime, found = k, t, true
		}
	}
	if found {
		delete(m, oldestKey)
	}
}

func (c *Cache[K, V]) Delete(key K) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// Size counts stored entries, expired ones included until cleanup.
func (c *Cache[K, V]) Size() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

func (c *Cache[K, V]) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		clear(s.m)
		s.mu.Unlock()
	}
}
