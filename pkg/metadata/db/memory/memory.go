// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory implementation of db.Store.
// Mappings are kept in a btree ordered by (bucket, key) so listing by
// prefix is a range scan. It is used by tests and single-process setups.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"

	"github.com/google/btree"
)

const btreeDegree = 32

type mappingItem struct {
	bucket string
	key    string
	m      *types.ObjectMapping
}

func lessMapping(a, b mappingItem) bool {
	if a.bucket != b.bucket {
		return a.bucket < b.bucket
	}
	return a.key < b.key
}

// Store is an in-memory metadata store. All operations take a single mutex,
// which makes every mapping swap and refcount change atomic.
type Store struct {
	mu       sync.RWMutex
	mappings *btree.BTreeG[mappingItem]
	chunks   map[types.ChunkID]*types.ChunkInfo
	now      func() time.Time
}

var _ db.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		mappings: btree.NewG(btreeDegree, lessMapping),
		chunks:   make(map[types.ChunkID]*types.ChunkInfo),
		now:      time.Now,
	}
}

// ============================================================================
// Mappings
// ============================================================================

func (s *Store) FindMapping(ctx context.Context, bucket, key string) (*types.ObjectMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.mappings.Get(mappingItem{bucket: bucket, key: types.NormalizeKey(key)})
	if !ok {
		return nil, db.ErrMappingNotFound
	}
	return item.m.Clone(), nil
}

func (s *Store) UpsertMapping(ctx context.Context, m *types.ObjectMapping) (*types.ObjectMapping, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	stored := m.Clone()
	stored.Key = types.NormalizeKey(m.Key)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, replaced := s.mappings.ReplaceOrInsert(mappingItem{bucket: stored.Bucket, key: stored.Key, m: stored})
	if !replaced {
		return nil, nil
	}
	return prev.m.Clone(), nil
}

func (s *Store) DeleteMapping(ctx context.Context, bucket, key string) (*types.ObjectMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.mappings.Delete(mappingItem{bucket: bucket, key: types.NormalizeKey(key)})
	if !ok {
		return nil, db.ErrMappingNotFound
	}
	return item.m, nil
}

func (s *Store) ListMappings(ctx context.Context, bucket, prefix string, limit int) ([]*types.ObjectMapping, error) {
	limit = db.ListLimit(limit)
	prefix = types.NormalizeKey(prefix)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.ObjectMapping
	s.mappings.AscendGreaterOrEqual(mappingItem{bucket: bucket, key: prefix}, func(item mappingItem) bool {
		if item.bucket != bucket || !strings.HasPrefix(item.key, prefix) {
			return false
		}
		out = append(out, item.m.Clone())
		return len(out) < limit
	})
	return out, nil
}

// ============================================================================
// Chunk registry
// ============================================================================

func (s *Store) IncrChunkRef(ctx context.Context, id types.ChunkID, size uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[id]
	if !ok {
		c = &types.ChunkInfo{ID: id, Size: size, CreatedAt: s.now()}
		s.chunks[id] = c
	}
	c.RefCount++
	c.ZeroRefSince = time.Time{}
	return c.RefCount, nil
}

func (s *Store) DecrChunkRef(ctx context.Context, id types.ChunkID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[id]
	if !ok || c.RefCount <= 0 {
		return 0, db.ErrChunkNotFound
	}
	c.RefCount--
	if c.RefCount == 0 {
		c.ZeroRefSince = s.now()
	}
	return c.RefCount, nil
}

func (s *Store) GetChunk(ctx context.Context, id types.ChunkID) (*types.ChunkInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chunks[id]
	if !ok {
		return nil, db.ErrChunkNotFound
	}
	return c.Clone(), nil
}

func (s *Store) AddChunkReplicas(ctx context.Context, id types.ChunkID, replicas ...types.Replica) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[id]
	if !ok {
		return db.ErrChunkNotFound
	}
	for _, r := range replicas {
		if !c.HasReplica(r.AgentAddr) {
			c.Replicas = append(c.Replicas, r)
		}
	}
	return nil
}

func (s *Store) ListZeroRefChunks(ctx context.Context, olderThan time.Time, limit int) ([]*types.ChunkInfo, error) {
	limit = db.ListLimit(limit)

	s.mu.RLock()
	var out []*types.ChunkInfo
	for _, c := range s.chunks {
		if c.RefCount == 0 && !c.ZeroRefSince.IsZero() && c.ZeroRefSince.Before(olderThan) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteChunk(ctx context.Context, id types.ChunkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[id]
	if !ok {
		return db.ErrChunkNotFound
	}
	if c.RefCount > 0 {
		return db.ErrChunkReferenced
	}
	delete(s.chunks, id)
	return nil
}

func (s *Store) Close() error {
	return nil
}
