// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package dbtest holds the behavioral test suite every db.Store
// implementation must pass.
package dbtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) db.Store

// Run exercises s against the db.Store contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s db.Store)
	}{
		{"FindMissing", testFindMissing},
		{"UpsertAndFind", testUpsertAndFind},
		{"UpsertReturnsPrevious", testUpsertReturnsPrevious},
		{"UpsertRejectsInvalid", testUpsertRejectsInvalid},
		{"NormalizedKeys", testNormalizedKeys},
		{"DeleteMapping", testDeleteMapping},
		{"ListMappings", testListMappings},
		{"ConcurrentUpsert", testConcurrentUpsert},
		{"ChunkRefCounts", testChunkRefCounts},
		{"ConcurrentIncr", testConcurrentIncr},
		{"ChunkReplicas", testChunkReplicas},
		{"ZeroRefChunks", testZeroRefChunks},
		{"DeleteChunk", testDeleteChunk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

// Mapping builds a valid mapping for bucket/key backed by the given chunk
// sizes, one fragment per chunk.
func Mapping(bucket, key string, sizes ...uint64) *types.ObjectMapping {
	m := &types.ObjectMapping{
		ID:        uuid.New(),
		Account:   "acct",
		Bucket:    bucket,
		Key:       key,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	for i, size := range sizes {
		m.Fragments = append(m.Fragments, types.Fragment{
			Offset:  m.Size,
			Size:    size,
			ChunkID: ChunkID(fmt.Sprintf("%s/%s/%d", bucket, key, i)),
		})
		m.Size += size
	}
	return m
}

// ChunkID derives a valid chunk id from a label.
func ChunkID(label string) types.ChunkID {
	return types.ChunkIDFromBytes([]byte(label))
}

// ============================================================================
// Mappings
// ============================================================================

func testFindMissing(t *testing.T, s db.Store) {
	_, err := s.FindMapping(context.Background(), "b", "nope")
	assert.ErrorIs(t, err, db.ErrMappingNotFound)
}

func testUpsertAndFind(t *testing.T, s db.Store) {
	ctx := context.Background()
	m := Mapping("photos", "2024/cat.jpg", 100, 50)
	off := uint64(7)
	m.Fragments[1].ChunkOffset = &off
	m.ETag = "etag-1"

	prev, err := s.UpsertMapping(ctx, m)
	require.NoError(t, err)
	assert.Nil(t, prev)

	got, err := s.FindMapping(ctx, "photos", "2024/cat.jpg")
	require.NoError(t, err)
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("mapping mismatch (-want +got):\n%s", diff)
	}

	// Mutating the caller's copy does not leak into the store
	m.Fragments[0].Size = 1
	again, err := s.FindMapping(ctx, "photos", "2024/cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), again.Fragments[0].Size)
}

func testUpsertReturnsPrevious(t *testing.T, s db.Store) {
	ctx := context.Background()
	first := Mapping("b", "k", 10)
	second := Mapping("b", "k", 20, 5)

	_, err := s.UpsertMapping(ctx, first)
	require.NoError(t, err)
	prev, err := s.UpsertMapping(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, first.ID, prev.ID)

	got, err := s.FindMapping(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, uint64(25), got.Size)
}

func testUpsertRejectsInvalid(t *testing.T, s db.Store) {
	ctx := context.Background()
	m := Mapping("b", "k", 10, 10)
	m.Fragments[1].Offset = 12

	_, err := s.UpsertMapping(ctx, m)
	require.ErrorIs(t, err, types.ErrInvalidMapping)

	_, err = s.FindMapping(ctx, "b", "k")
	assert.ErrorIs(t, err, db.ErrMappingNotFound)
}

func testNormalizedKeys(t *testing.T, s db.Store) {
	ctx := context.Background()
	_, err := s.UpsertMapping(ctx, Mapping("b", "caf\u00e9", 1))
	require.NoError(t, err)

	_, err = s.FindMapping(ctx, "b", "cafe\u0301")
	require.NoError(t, err)

	prev, err := s.UpsertMapping(ctx, Mapping("b", "cafe\u0301", 2))
	require.NoError(t, err)
	assert.NotNil(t, prev, "decomposed key must address the same mapping")
}

func testDeleteMapping(t *testing.T, s db.Store) {
	ctx := context.Background()
	m := Mapping("b", "k", 10)
	_, err := s.UpsertMapping(ctx, m)
	require.NoError(t, err)

	removed, err := s.DeleteMapping(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, m.ID, removed.ID)
	assert.Equal(t, m.ChunkRefs(), removed.ChunkRefs())

	_, err = s.FindMapping(ctx, "b", "k")
	assert.ErrorIs(t, err, db.ErrMappingNotFound)
	_, err = s.DeleteMapping(ctx, "b", "k")
	assert.ErrorIs(t, err, db.ErrMappingNotFound)
}

func testListMappings(t *testing.T, s db.Store) {
	ctx := context.Background()
	for _, key := range []string{"logs/b", "logs/a", "logs/c", "other", "logsz"} {
		_, err := s.UpsertMapping(ctx, Mapping("b1", key, 1))
		require.NoError(t, err)
	}
	_, err := s.UpsertMapping(ctx, Mapping("b2", "logs/x", 1))
	require.NoError(t, err)

	keys := func(ms []*types.ObjectMapping) []string {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = m.Key
		}
		return out
	}

	got, err := s.ListMappings(ctx, "b1", "logs/", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"logs/a", "logs/b", "logs/c"}, keys(got))

	got, err = s.ListMappings(ctx, "b1", "logs/", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"logs/a", "logs/b"}, keys(got))

	got, err = s.ListMappings(ctx, "b1", "", 0)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = s.ListMappings(ctx, "empty", "", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// Every concurrent upsert must replace exactly one predecessor: the ids
// returned as previous plus the final live id cover every write once.
func testConcurrentUpsert(t *testing.T, s db.Store) {
	ctx := context.Background()
	const n = 20

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ids   = make(map[uuid.UUID]int)
		nils  int
		errs  []error
		total = make([]*types.ObjectMapping, n)
	)
	for i := 0; i < n; i++ {
		total[i] = Mapping("b", "hot", uint64(i+1))
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(m *types.ObjectMapping) {
			defer wg.Done()
			prev, err := s.UpsertMapping(ctx, m)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case prev == nil:
				nils++
			default:
				ids[prev.ID]++
			}
		}(total[i])
	}
	wg.Wait()
	require.Empty(t, errs)

	live, err := s.FindMapping(ctx, "b", "hot")
	require.NoError(t, err)
	ids[live.ID]++

	assert.Equal(t, 1, nils)
	assert.Len(t, ids, n)
	for id, count := range ids {
		assert.Equal(t, 1, count, "mapping %s observed %d times", id, count)
	}
	assert.Equal(t, live.Size, live.Fragments[0].Size)
}

// ============================================================================
// Chunk registry
// ============================================================================

func testChunkRefCounts(t *testing.T, s db.Store) {
	ctx := context.Background()
	id := ChunkID("shared")

	n, err := s.IncrChunkRef(ctx, id, 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.IncrChunkRef(ctx, id, 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	c, err := s.GetChunk(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.RefCount)
	assert.Equal(t, uint64(4096), c.Size)
	assert.True(t, c.ZeroRefSince.IsZero())

	n, err = s.DecrChunkRef(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.DecrChunkRef(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	c, err = s.GetChunk(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.RefCount)
	assert.False(t, c.ZeroRefSince.IsZero())

	_, err = s.DecrChunkRef(ctx, id)
	assert.ErrorIs(t, err, db.ErrChunkNotFound)
	_, err = s.DecrChunkRef(ctx, ChunkID("never"))
	assert.ErrorIs(t, err, db.ErrChunkNotFound)
	_, err = s.GetChunk(ctx, ChunkID("never"))
	assert.ErrorIs(t, err, db.ErrChunkNotFound)

	// A new reference revives the chunk
	n, err = s.IncrChunkRef(ctx, id, 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	c, err = s.GetChunk(ctx, id)
	require.NoError(t, err)
	assert.True(t, c.ZeroRefSince.IsZero())
}

func testConcurrentIncr(t *testing.T, s db.Store) {
	ctx := context.Background()
	id := ChunkID("contended")
	const n = 50

	var wg sync.WaitGroup
	seen := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.IncrChunkRef(ctx, id, 1)
			assert.NoError(t, err)
			seen[i] = v
		}(i)
	}
	wg.Wait()

	c, err := s.GetChunk(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(n), c.RefCount)

	// Each increment observed a distinct count
	distinct := make(map[int64]bool)
	for _, v := range seen {
		distinct[v] = true
	}
	assert.Len(t, distinct, n)
}

func testChunkReplicas(t *testing.T, s db.Store) {
	ctx := context.Background()
	id := ChunkID("replicated")

	err := s.AddChunkReplicas(ctx, id, types.Replica{AgentAddr: "tcp://a:1", Handle: "h"})
	assert.ErrorIs(t, err, db.ErrChunkNotFound)

	_, err = s.IncrChunkRef(ctx, id, 10)
	require.NoError(t, err)
	require.NoError(t, s.AddChunkReplicas(ctx, id,
		types.Replica{AgentAddr: "tcp://a:1", Handle: "h1"},
		types.Replica{AgentAddr: "tcp://b:1", Handle: "h2"},
	))
	require.NoError(t, s.AddChunkReplicas(ctx, id, types.Replica{AgentAddr: "tcp://a:1", Handle: "other"}))

	c, err := s.GetChunk(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Replica{
		{AgentAddr: "tcp://a:1", Handle: "h1"},
		{AgentAddr: "tcp://b:1", Handle: "h2"},
	}, c.Replicas)
}

func testZeroRefChunks(t *testing.T, s db.Store) {
	ctx := context.Background()
	live, dead := ChunkID("live"), ChunkID("dead")
	for _, id := range []types.ChunkID{live, dead} {
		_, err := s.IncrChunkRef(ctx, id, 1)
		require.NoError(t, err)
	}
	require.NoError(t, s.AddChunkReplicas(ctx, dead, types.Replica{AgentAddr: "tcp://a:1", Handle: "h"}))
	_, err := s.DecrChunkRef(ctx, dead)
	require.NoError(t, err)

	got, err := s.ListZeroRefChunks(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, got, "grace period not yet elapsed")

	got, err = s.ListZeroRefChunks(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, dead, got[0].ID)
	assert.Equal(t, []types.Replica{{AgentAddr: "tcp://a:1", Handle: "h"}}, got[0].Replicas)
}

func testDeleteChunk(t *testing.T, s db.Store) {
	ctx := context.Background()
	id := ChunkID("doomed")

	assert.ErrorIs(t, s.DeleteChunk(ctx, id), db.ErrChunkNotFound)

	_, err := s.IncrChunkRef(ctx, id, 1)
	require.NoError(t, err)
	require.NoError(t, s.AddChunkReplicas(ctx, id, types.Replica{AgentAddr: "tcp://a:1", Handle: "h"}))
	assert.ErrorIs(t, s.DeleteChunk(ctx, id), db.ErrChunkReferenced)

	_, err = s.DecrChunkRef(ctx, id)
	require.NoError(t, err)
	require.NoError(t, s.DeleteChunk(ctx, id))

	_, err = s.GetChunk(ctx, id)
	assert.ErrorIs(t, err, db.ErrChunkNotFound)

	// A re-registered chunk starts without stale replicas
	_, err = s.IncrChunkRef(ctx, id, 1)
	require.NoError(t, err)
	c, err := s.GetChunk(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, c.Replicas)
}
