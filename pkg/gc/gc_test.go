// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package gc_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/agent/agenttest"
	"github.com/LeeDigitalWorks/zapgate/pkg/gc"
	"github.com/LeeDigitalWorks/zapgate/pkg/mapping"
	"github.com/LeeDigitalWorks/zapgate/pkg/mapping/placer"
	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db/memory"
	"github.com/LeeDigitalWorks/zapgate/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapgate/pkg/taskqueue/handlers"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Test Helpers
// ============================================================================

type env struct {
	cluster *agenttest.Cluster
	store   *memory.Store
	builder *mapping.Builder
	deleter *mapping.Deleter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	c := agenttest.Start(t, 3)
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	cfg := mapping.Config{Replicas: 3, Quorum: 2, ChunkSize: 1024}
	return &env{
		cluster: c,
		store:   store,
		builder: mapping.NewBuilder(store, c.Client, placer.NewRoundRobin(placer.Addrs(c.Addrs...)), cfg),
		deleter: mapping.NewDeleter(store, nil),
	}
}

// put writes a single-chunk object and returns its chunk id.
func (e *env) put(t *testing.T, key string, data []byte) types.ChunkID {
	t.Helper()
	m, err := e.builder.Write(t.Context(), mapping.WriteRequest{
		Bucket: "b", Key: key, Body: bytes.NewReader(data), Size: int64(len(data)),
	})
	require.NoError(t, err)
	require.Len(t, m.Fragments, 1)
	return m.Fragments[0].ChunkID
}

func (e *env) remove(t *testing.T, key string) {
	t.Helper()
	_, err := e.deleter.Delete(t.Context(), "b", key)
	require.NoError(t, err)
}

func randomChunk(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, 512)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func noGrace() gc.Config {
	return gc.Config{Interval: 10 * time.Millisecond, Concurrency: 2}
}

// ============================================================================
// Sweep Tests
// ============================================================================

func TestSweep_CollectsUnreferenced(t *testing.T) {
	e := newEnv(t)
	data := randomChunk(t)
	id := e.put(t, "k", data)
	require.Len(t, e.cluster.Holders(id), 3)
	e.remove(t, "k")

	s := gc.New(e.store, e.cluster.Client, nil, noGrace())
	st := s.RunOnce(t.Context())

	assert.Equal(t, 1, st.Scanned)
	assert.Equal(t, 1, st.Collected)
	assert.Equal(t, uint64(len(data)), st.Bytes)
	assert.Equal(t, 3, st.ReplicaDeletes)
	assert.Empty(t, e.cluster.Holders(id))

	_, err := e.store.GetChunk(t.Context(), id)
	assert.ErrorIs(t, err, db.ErrChunkNotFound)

	// Nothing left for the next sweep.
	assert.Zero(t, s.RunOnce(t.Context()).Scanned)
}

func TestSweep_KeepsReferenced(t *testing.T) {
	e := newEnv(t)
	data := randomChunk(t)
	id := e.put(t, "one", data)
	e.put(t, "two", data)
	e.remove(t, "one")

	st := gc.New(e.store, e.cluster.Client, nil, noGrace()).RunOnce(t.Context())
	assert.Zero(t, st.Scanned)
	assert.Len(t, e.cluster.Holders(id), 3)

	info, err := e.store.GetChunk(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.RefCount)
}

func TestSweep_RespectsGracePeriod(t *testing.T) {
	e := newEnv(t)
	id := e.put(t, "k", randomChunk(t))
	e.remove(t, "k")

	cfg := noGrace()
	cfg.Grace = time.Hour
	st := gc.New(e.store, e.cluster.Client, nil, cfg).RunOnce(t.Context())
	assert.Zero(t, st.Scanned)
	assert.Len(t, e.cluster.Holders(id), 3)
}

func TestSweep_Batches(t *testing.T) {
	e := newEnv(t)
	var ids []types.ChunkID
	for i := range 5 {
		key := fmt.Sprintf("k%d", i)
		ids = append(ids, e.put(t, key, randomChunk(t)))
		e.remove(t, key)
	}

	cfg := noGrace()
	cfg.BatchSize = 2
	st := gc.New(e.store, e.cluster.Client, nil, cfg).RunOnce(t.Context())
	assert.Equal(t, 5, st.Collected)
	for _, id := range ids {
		assert.Empty(t, e.cluster.Holders(id))
	}
}

func TestSweep_QueuesFailedReplicaDeletes(t *testing.T) {
	e := newEnv(t)
	id := e.put(t, "k", randomChunk(t))
	e.remove(t, "k")
	e.cluster.Stop(0)

	q := taskqueue.NewMemoryQueue()
	defer q.Close()
	st := gc.New(e.store, e.cluster.Client, q, noGrace()).RunOnce(t.Context())
	assert.Equal(t, 1, st.Collected)
	assert.Equal(t, 1, st.Queued)

	// The stopped agent still holds its copy; the others are gone.
	assert.Equal(t, []string{e.cluster.Addrs[0]}, e.cluster.Holders(id))

	tasks, err := q.List(t.Context(), taskqueue.TaskFilter{Type: taskqueue.TaskTypeChunkDelete})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	p, err := taskqueue.UnmarshalPayload[handlers.ChunkDeletePayload](tasks[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, id, p.ChunkID)
	assert.Equal(t, e.cluster.Addrs[0], p.AgentAddr)
	assert.NotZero(t, p.StoredBefore)
}

// restoringDeleter stores the chunk again on addr right before the sweep
// asks for its deletion, as a concurrent writer would.
type restoringDeleter struct {
	handlers.ReplicaDeleter
	t    *testing.T
	e    *env
	addr string
	data []byte
	once sync.Once
}

func (d *restoringDeleter) DeleteChunk(ctx context.Context, addr string, id types.ChunkID, before time.Time) (bool, error) {
	if addr == d.addr {
		d.once.Do(func() {
			_, err := d.e.cluster.Client.StoreChunk(ctx, addr, id, d.data)
			assert.NoError(d.t, err)
		})
	}
	return d.ReplicaDeleter.DeleteChunk(ctx, addr, id, before)
}

func TestSweep_KeepsReplicaStoredDuringSweep(t *testing.T) {
	e := newEnv(t)
	data := randomChunk(t)
	id := e.put(t, "k", data)
	e.remove(t, "k")

	d := &restoringDeleter{ReplicaDeleter: e.cluster.Client, t: t, e: e, addr: e.cluster.Addrs[1], data: data}
	st := gc.New(e.store, d, nil, noGrace()).RunOnce(t.Context())
	assert.Equal(t, 1, st.Collected)
	assert.Equal(t, []string{e.cluster.Addrs[1]}, e.cluster.Holders(id))
}

func TestSweep_SkipsChunkReferencedAgain(t *testing.T) {
	e := newEnv(t)
	data := randomChunk(t)
	id := e.put(t, "k", data)
	e.remove(t, "k")

	// A writer references the chunk between listing and collection.
	s := gc.New(&racingStore{Store: e.store, id: id}, e.cluster.Client, nil, noGrace())
	st := s.RunOnce(t.Context())
	assert.Equal(t, 1, st.Scanned)
	assert.Equal(t, 1, st.Skipped)
	assert.Zero(t, st.Collected)
	assert.Len(t, e.cluster.Holders(id), 3)
}

type racingStore struct {
	db.Store
	id types.ChunkID
}

func (s *racingStore) DeleteChunk(ctx context.Context, id types.ChunkID) error {
	if id == s.id {
		if _, err := s.Store.IncrChunkRef(ctx, id, 0); err != nil {
			return err
		}
	}
	return s.Store.DeleteChunk(ctx, id)
}

func TestSweep_KeepsReplicaOfChunkRegisteredAgain(t *testing.T) {
	e := newEnv(t)
	data := randomChunk(t)
	id := e.put(t, "k", data)
	e.remove(t, "k")

	s := &reregisteringStore{Store: e.store, t: t, e: e, addr: e.cluster.Addrs[0], data: data}
	st := gc.New(s, e.cluster.Client, nil, noGrace()).RunOnce(t.Context())
	assert.Equal(t, 1, st.Collected)

	info, err := e.store.GetChunk(t.Context(), id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.RefCount)
	assert.True(t, info.HasReplica(e.cluster.Addrs[0]))
	assert.Equal(t, []string{e.cluster.Addrs[0]}, e.cluster.Holders(id))
}

// reregisteringStore lets a writer reference and store the chunk again as
// soon as the sweep has removed its registry entry.
type reregisteringStore struct {
	db.Store
	t    *testing.T
	e    *env
	addr string
	data []byte
}

func (s *reregisteringStore) DeleteChunk(ctx context.Context, id types.ChunkID) error {
	if err := s.Store.DeleteChunk(ctx, id); err != nil {
		return err
	}
	// Runs on a sweep goroutine: report through assert, not require.
	if _, err := s.Store.IncrChunkRef(ctx, id, uint64(len(s.data))); !assert.NoError(s.t, err) {
		return nil
	}
	rep, err := s.e.cluster.Client.StoreChunk(ctx, s.addr, id, s.data)
	if !assert.NoError(s.t, err) {
		return nil
	}
	assert.NoError(s.t, s.Store.AddChunkReplicas(ctx, id, rep))
	return nil
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestSweeper_StartStop(t *testing.T) {
	e := newEnv(t)
	id := e.put(t, "k", randomChunk(t))
	e.remove(t, "k")

	s := gc.New(e.store, e.cluster.Client, nil, noGrace())
	s.Start(t.Context())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		_, err := e.store.GetChunk(context.Background(), id)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(e.cluster.Holders(id)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := gc.DefaultConfig()
	assert.Equal(t, gc.DefaultInterval, cfg.Interval)
	assert.Equal(t, gc.DefaultGracePeriod, cfg.Grace)
	assert.Equal(t, gc.DefaultBatchSize, cfg.BatchSize)
}
