// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package mapping_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/agent/agenttest"
	"github.com/LeeDigitalWorks/zapgate/pkg/mapping"
	"github.com/LeeDigitalWorks/zapgate/pkg/mapping/placer"
	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db/memory"
	"github.com/LeeDigitalWorks/zapgate/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapgate/pkg/taskqueue/handlers"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testChunkSize = 1024

type env struct {
	cluster *agenttest.Cluster
	store   *memory.Store
	builder *mapping.Builder
	reader  *mapping.Reader
	deleter *mapping.Deleter
}

func testConfig() mapping.Config {
	return mapping.Config{
		Replicas:    3,
		Quorum:      2,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
		RetryMax:    5 * time.Millisecond,
		ChunkSize:   testChunkSize,
	}
}

func newEnv(t *testing.T, agents int) *env {
	t.Helper()
	c := agenttest.Start(t, agents)
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	p := placer.NewRoundRobin(placer.Addrs(c.Addrs...))
	return &env{
		cluster: c,
		store:   store,
		builder: mapping.NewBuilder(store, c.Client, p, testConfig()),
		reader:  mapping.NewReader(store, c.Client, p),
		deleter: mapping.NewDeleter(store, nil),
	}
}

func (e *env) put(t *testing.T, bucket, key string, data []byte) *types.ObjectMapping {
	t.Helper()
	m, err := e.builder.Write(t.Context(), mapping.WriteRequest{
		Account: "acct",
		Bucket:  bucket,
		Key:     key,
		Body:    bytes.NewReader(data),
		Size:    int64(len(data)),
	})
	require.NoError(t, err)
	return m
}

func (e *env) refs(t *testing.T, id types.ChunkID) int64 {
	t.Helper()
	info, err := e.store.GetChunk(t.Context(), id)
	require.NoError(t, err)
	return info.RefCount
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// =============================================================================
// Chunker
// =============================================================================

func TestFixedChunker(t *testing.T) {
	split := mapping.FixedChunker{Size: 4}.Split(strings.NewReader("abcdefghij"))
	var got []string
	for {
		chunk, err := split.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, string(chunk))
	}
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, got)

	_, err := mapping.FixedChunker{Size: 4}.Split(strings.NewReader("")).Next()
	assert.ErrorIs(t, err, io.EOF)
}

// =============================================================================
// Write / Read
// =============================================================================

func TestWrite_FragmentsCoverObject(t *testing.T) {
	e := newEnv(t, 3)
	data := randomBytes(t, 3*testChunkSize+100)

	m := e.put(t, "b", "obj", data)
	require.NoError(t, m.Validate())
	require.Len(t, m.Fragments, 4)
	assert.Equal(t, uint64(len(data)), m.Size)
	assert.Equal(t, uint64(100), m.Fragments[3].Size)

	sum := md5.Sum(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), m.ETag)

	for _, f := range m.Fragments {
		assert.Equal(t, types.ChunkIDFromBytes(data[f.Offset:f.End()]), f.ChunkID)
		assert.Len(t, e.cluster.Holders(f.ChunkID), 3)
		info, err := e.store.GetChunk(t.Context(), f.ChunkID)
		require.NoError(t, err)
		assert.Len(t, info.Replicas, 3)
		assert.Equal(t, int64(1), info.RefCount)
	}

	stored, err := e.reader.Stat(t.Context(), "b", "obj")
	require.NoError(t, err)
	if diff := cmp.Diff(m, stored, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Errorf("stored mapping mismatch (-want +got):\n%s", diff)
	}
}

func TestWrite_EmptyObject(t *testing.T) {
	e := newEnv(t, 3)
	m := e.put(t, "b", "empty", nil)
	assert.Zero(t, m.Size)
	assert.Empty(t, m.Fragments)

	got, _, err := e.reader.ReadAll(t.Context(), "b", "empty", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadRoundTrip(t *testing.T) {
	e := newEnv(t, 3)
	// Larger chunks keep the fragment count reasonable.
	e.builder = mapping.NewBuilder(e.store, e.cluster.Client, placer.NewRoundRobin(placer.Addrs(e.cluster.Addrs...)), mapping.Config{ChunkSize: 1 << 20})
	data := randomBytes(t, 10*1000*1000)

	m := e.put(t, "b", "big", data)
	assert.Len(t, m.Fragments, 10)

	got, _, err := e.reader.ReadAll(t.Context(), "b", "big", nil)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	got, _, err = e.reader.ReadAll(t.Context(), "b", "big", &mapping.Range{Start: 1000, End: 2000})
	require.NoError(t, err)
	assert.Equal(t, data[1000:2000], got)

	// A range spanning a chunk boundary.
	got, _, err = e.reader.ReadAll(t.Context(), "b", "big", &mapping.Range{Start: 1<<20 - 10, End: 1<<20 + 10})
	require.NoError(t, err)
	assert.Equal(t, data[1<<20-10:1<<20+10], got)
}

func TestRead_Ranges(t *testing.T) {
	e := newEnv(t, 3)
	data := randomBytes(t, 5000)
	e.put(t, "b", "obj", data)

	tests := []struct {
		name string
		rng  mapping.Range
	}{
		{"first byte", mapping.Range{Start: 0, End: 1}},
		{"inside one chunk", mapping.Range{Start: 10, End: 20}},
		{"exact chunk", mapping.Range{Start: testChunkSize, End: 2 * testChunkSize}},
		{"across chunks", mapping.Range{Start: 1000, End: 4100}},
		{"tail", mapping.Range{Start: 4999, End: 5000}},
		{"empty", mapping.Range{Start: 7, End: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := tt.rng
			got, _, err := e.reader.ReadAll(t.Context(), "b", "obj", &rng)
			require.NoError(t, err)
			assert.Equal(t, data[tt.rng.Start:tt.rng.End], got)
		})
	}
}

func TestRead_InvalidRange(t *testing.T) {
	e := newEnv(t, 3)
	e.put(t, "b", "obj", []byte("hello"))

	for _, rng := range []mapping.Range{{Start: 3, End: 2}, {Start: 0, End: 6}} {
		_, _, err := e.reader.ReadAll(t.Context(), "b", "obj", &rng)
		assert.ErrorIs(t, err, mapping.ErrInvalidRange, rng.String())
	}
}

func TestRead_NotFound(t *testing.T) {
	e := newEnv(t, 3)
	_, _, err := e.reader.ReadAll(t.Context(), "b", "missing", nil)
	assert.ErrorIs(t, err, mapping.ErrMappingNotFound)
}

func TestWrite_NormalizesKey(t *testing.T) {
	e := newEnv(t, 3)
	// "é" as e + combining acute, read back through the precomposed form.
	e.put(t, "b", "cafe\u0301", []byte("coffee"))
	got, m, err := e.reader.ReadAll(t.Context(), "b", "caf\u00e9", nil)
	require.NoError(t, err)
	assert.Equal(t, "coffee", string(got))
	assert.Equal(t, "caf\u00e9", m.Key)
}

func TestWrite_InvalidRequest(t *testing.T) {
	e := newEnv(t, 3)
	_, err := e.builder.Write(t.Context(), mapping.WriteRequest{Bucket: "b", Body: strings.NewReader("x"), Size: 1})
	assert.ErrorIs(t, err, mapping.ErrInvalidRequest)
	_, err = e.builder.Write(t.Context(), mapping.WriteRequest{Bucket: "b", Key: "k", Size: 1})
	assert.ErrorIs(t, err, mapping.ErrInvalidRequest)
}

func TestWrite_SizeMismatch(t *testing.T) {
	e := newEnv(t, 3)
	data := randomBytes(t, 2*testChunkSize)

	for name, size := range map[string]int64{"short body": int64(len(data)) + 1, "long body": testChunkSize + 1} {
		t.Run(name, func(t *testing.T) {
			_, err := e.builder.Write(t.Context(), mapping.WriteRequest{
				Bucket: "b", Key: "k", Body: bytes.NewReader(data), Size: size,
			})
			require.ErrorIs(t, err, mapping.ErrSizeMismatch)

			_, err = e.reader.Stat(t.Context(), "b", "k")
			assert.ErrorIs(t, err, mapping.ErrMappingNotFound)
			// Every reference the write took was given back.
			assert.Zero(t, e.refs(t, types.ChunkIDFromBytes(data[:testChunkSize])))
		})
	}
}

func TestWrite_UnknownSize(t *testing.T) {
	e := newEnv(t, 3)
	data := randomBytes(t, 2500)
	m, err := e.builder.Write(t.Context(), mapping.WriteRequest{
		Bucket: "b", Key: "stream", Body: io.MultiReader(bytes.NewReader(data[:10]), bytes.NewReader(data[10:])), Size: -1,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2500), m.Size)
}

// =============================================================================
// Deduplication and references
// =============================================================================

func TestDedup_RefCounts(t *testing.T) {
	e := newEnv(t, 3)
	data := randomBytes(t, testChunkSize)
	id := types.ChunkIDFromBytes(data)

	hits := testutil.ToFloat64(mapping.DedupHits)
	e.put(t, "b", "one", data)
	e.put(t, "b", "two", data)
	assert.Equal(t, int64(2), e.refs(t, id))
	assert.Equal(t, hits+1, testutil.ToFloat64(mapping.DedupHits))

	_, err := e.deleter.Delete(t.Context(), "b", "one")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.refs(t, id))

	got, _, err := e.reader.ReadAll(t.Context(), "b", "two", nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = e.deleter.Delete(t.Context(), "b", "two")
	require.NoError(t, err)
	assert.Zero(t, e.refs(t, id))

	zero, err := e.store.ListZeroRefChunks(t.Context(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, zero, 1)
	assert.Equal(t, id, zero[0].ID)
}

func TestDedup_RepeatedChunkInOneObject(t *testing.T) {
	e := newEnv(t, 3)
	block := randomBytes(t, testChunkSize)
	data := slices.Concat(block, block, block)

	m := e.put(t, "b", "repeat", data)
	require.Len(t, m.Fragments, 3)
	id := types.ChunkIDFromBytes(block)
	assert.Equal(t, int64(3), e.refs(t, id))

	_, err := e.deleter.Delete(t.Context(), "b", "repeat")
	require.NoError(t, err)
	assert.Zero(t, e.refs(t, id))
}

func TestOverwrite_ReleasesPrevious(t *testing.T) {
	e := newEnv(t, 3)
	first := randomBytes(t, testChunkSize)
	second := randomBytes(t, testChunkSize)

	e.put(t, "b", "k", first)
	e.put(t, "b", "k", second)

	assert.Zero(t, e.refs(t, types.ChunkIDFromBytes(first)))
	assert.Equal(t, int64(1), e.refs(t, types.ChunkIDFromBytes(second)))

	got, _, err := e.reader.ReadAll(t.Context(), "b", "k", nil)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestDelete_NotFound(t *testing.T) {
	e := newEnv(t, 3)
	_, err := e.deleter.Delete(t.Context(), "b", "nope")
	assert.ErrorIs(t, err, mapping.ErrMappingNotFound)
}

// failingDecr refuses every reference release.
type failingDecr struct {
	db.Store
}

func (failingDecr) DecrChunkRef(context.Context, types.ChunkID) (int64, error) {
	return 0, errors.New("registry unavailable")
}

func TestDelete_QueuesRefusedRelease(t *testing.T) {
	e := newEnv(t, 3)
	m := e.put(t, "b", "k", randomBytes(t, 2*testChunkSize))

	q := taskqueue.NewMemoryQueue()
	defer q.Close()
	d := mapping.NewDeleter(failingDecr{e.store}, q)

	_, err := d.Delete(t.Context(), "b", "k")
	require.NoError(t, err)

	tasks, err := q.List(t.Context(), taskqueue.TaskFilter{Type: taskqueue.TaskTypeChunkDecrement})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	var queued []types.ChunkID
	for _, task := range tasks {
		p, err := taskqueue.UnmarshalPayload[handlers.ChunkDecrementPayload](task.Payload)
		require.NoError(t, err)
		queued = append(queued, p.ChunkID)
	}
	assert.ElementsMatch(t, m.ChunkRefs(), queued)
}

// =============================================================================
// Placement and failover
// =============================================================================

func TestWrite_QuorumWithAgentDown(t *testing.T) {
	e := newEnv(t, 3)
	e.cluster.Stop(2)
	data := randomBytes(t, testChunkSize)

	m := e.put(t, "b", "k", data)
	info, err := e.store.GetChunk(t.Context(), m.Fragments[0].ChunkID)
	require.NoError(t, err)
	assert.Len(t, info.Replicas, 2)
	assert.False(t, info.HasReplica(e.cluster.Addrs[2]))
}

func TestWrite_RetriesOnFreshAgents(t *testing.T) {
	e := newEnv(t, 5)
	e.cluster.Stop(0)
	e.cluster.Stop(1)
	data := randomBytes(t, testChunkSize)

	m := e.put(t, "b", "k", data)
	info, err := e.store.GetChunk(t.Context(), m.Fragments[0].ChunkID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(info.Replicas), 2)
	for _, r := range info.Replicas {
		assert.NotEqual(t, e.cluster.Addrs[0], r.AgentAddr)
		assert.NotEqual(t, e.cluster.Addrs[1], r.AgentAddr)
	}
}

func TestWrite_PlacementFailedRollsBack(t *testing.T) {
	e := newEnv(t, 3)
	e.cluster.Stop(1)
	e.cluster.Stop(2)

	// The first chunk only reaches one agent, below quorum.
	data := randomBytes(t, 2*testChunkSize)
	_, err := e.builder.Write(t.Context(), mapping.WriteRequest{
		Bucket: "b", Key: "k", Body: bytes.NewReader(data), Size: int64(len(data)),
	})
	require.ErrorIs(t, err, mapping.ErrPlacementFailed)

	_, err = e.reader.Stat(t.Context(), "b", "k")
	assert.ErrorIs(t, err, mapping.ErrMappingNotFound)

	info, err := e.store.GetChunk(t.Context(), types.ChunkIDFromBytes(data[:testChunkSize]))
	require.NoError(t, err)
	assert.Zero(t, info.RefCount)
	// The partial copy is recorded so it can be collected.
	assert.True(t, info.HasReplica(e.cluster.Addrs[0]))
}

func TestWrite_NoAgents(t *testing.T) {
	e := newEnv(t, 1)
	b := mapping.NewBuilder(e.store, e.cluster.Client, placer.NewRoundRobin(nil), testConfig())
	_, err := b.Write(t.Context(), mapping.WriteRequest{Bucket: "b", Key: "k", Body: strings.NewReader("x"), Size: 1})
	assert.ErrorIs(t, err, mapping.ErrPlacementFailed)
}

func TestRead_FailsOverToLiveReplica(t *testing.T) {
	e := newEnv(t, 3)
	data := randomBytes(t, testChunkSize)
	m := e.put(t, "b", "k", data)

	info, err := e.store.GetChunk(t.Context(), m.Fragments[0].ChunkID)
	require.NoError(t, err)
	first := slices.Index(e.cluster.Addrs, info.Replicas[0].AgentAddr)
	require.GreaterOrEqual(t, first, 0)
	e.cluster.Stop(first)

	failovers := testutil.ToFloat64(mapping.ReplicaFailovers)
	got, _, err := e.reader.ReadAll(t.Context(), "b", "k", nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Greater(t, testutil.ToFloat64(mapping.ReplicaFailovers), failovers)
}

func TestRead_AllReplicasDown(t *testing.T) {
	e := newEnv(t, 3)
	e.put(t, "b", "k", randomBytes(t, 10))
	for i := range e.cluster.Addrs {
		e.cluster.Stop(i)
	}

	_, _, err := e.reader.ReadAll(t.Context(), "b", "k", nil)
	assert.ErrorIs(t, err, mapping.ErrReplicaUnavailable)
}

func TestRead_ChunkCacheRefreshesStaleLocations(t *testing.T) {
	e := newEnv(t, 5)
	chunks := mapping.NewChunkCache(e.store, 128, time.Minute)
	defer chunks.Stop()
	reader := mapping.NewReader(e.store, e.cluster.Client, nil, mapping.WithChunkCache(chunks))

	data := randomBytes(t, testChunkSize)
	m := e.put(t, "b", "k", data)
	id := m.Fragments[0].ChunkID

	got, _, err := reader.ReadAll(t.Context(), "b", "k", nil)
	require.NoError(t, err)
	require.Equal(t, data, got)
	assert.Equal(t, 1, chunks.Size())

	// Move the chunk to an agent the cached entry does not know about.
	info, err := e.store.GetChunk(t.Context(), id)
	require.NoError(t, err)
	var spare string
	for _, addr := range e.cluster.Addrs {
		if !slices.ContainsFunc(info.Replicas, func(r types.Replica) bool { return r.AgentAddr == addr }) {
			spare = addr
			break
		}
	}
	require.NotEmpty(t, spare)
	rep, err := e.cluster.Client.StoreChunk(t.Context(), spare, id, data)
	require.NoError(t, err)
	require.NoError(t, e.store.AddChunkReplicas(t.Context(), id, rep))
	for _, r := range info.Replicas {
		e.cluster.Stop(slices.Index(e.cluster.Addrs, r.AgentAddr))
	}

	got, _, err = reader.ReadAll(t.Context(), "b", "k", nil)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// =============================================================================
// Concurrency
// =============================================================================

func TestConcurrentOverwrite_ReadersSeeWholeObjects(t *testing.T) {
	e := newEnv(t, 3)
	versions := [][]byte{
		bytes.Repeat([]byte("a"), 4*testChunkSize),
		bytes.Repeat([]byte("b"), 4*testChunkSize),
	}
	e.put(t, "b", "hot", versions[0])

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for w := range 2 {
		wg.Go(func() {
			for i := 0; i < 20 && ctx.Err() == nil; i++ {
				data := versions[(w+i)%2]
				_, err := e.builder.Write(ctx, mapping.WriteRequest{
					Bucket: "b", Key: "hot", Body: bytes.NewReader(data), Size: int64(len(data)),
				})
				if ctx.Err() == nil {
					assert.NoError(t, err)
				}
			}
		})
	}
	for range 4 {
		wg.Go(func() {
			for i := 0; i < 50 && ctx.Err() == nil; i++ {
				got, _, err := e.reader.ReadAll(ctx, "b", "hot", nil)
				if ctx.Err() != nil {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				assert.True(t, bytes.Equal(got, versions[0]) || bytes.Equal(got, versions[1]), "torn read")
			}
		})
	}
	wg.Wait()
}

// =============================================================================
// Packing
// =============================================================================

func TestWritePacked(t *testing.T) {
	e := newEnv(t, 3)
	bodies := []string{"alpha", "", "gamma-gamma", "d"}
	var reqs []mapping.WriteRequest
	for i, b := range bodies {
		reqs = append(reqs, mapping.WriteRequest{
			Bucket: "b", Key: string(rune('a' + i)), Body: strings.NewReader(b), Size: int64(len(b)),
		})
	}

	ms, err := e.builder.WritePacked(t.Context(), reqs)
	require.NoError(t, err)
	require.Len(t, ms, len(bodies))

	id := ms[0].Fragments[0].ChunkID
	assert.Equal(t, int64(3), e.refs(t, id), "one reference per non-empty object")
	assert.Len(t, e.cluster.Holders(id), 3)

	for i, b := range bodies {
		got, m, err := e.reader.ReadAll(t.Context(), "b", string(rune('a'+i)), nil)
		require.NoError(t, err)
		assert.Equal(t, b, string(got))
		sum := md5.Sum([]byte(b))
		assert.Equal(t, hex.EncodeToString(sum[:]), m.ETag)
	}

	got, _, err := e.reader.ReadAll(t.Context(), "b", "c", &mapping.Range{Start: 6, End: 11})
	require.NoError(t, err)
	assert.Equal(t, "gamma", string(got))

	_, err = e.deleter.Delete(t.Context(), "b", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.refs(t, id))
}

func TestWritePacked_TooLarge(t *testing.T) {
	e := newEnv(t, 3)
	big := strings.Repeat("x", mapping.DefaultPackThreshold+1)
	_, err := e.builder.WritePacked(t.Context(), []mapping.WriteRequest{
		{Bucket: "b", Key: "k", Body: strings.NewReader(big), Size: int64(len(big))},
	})
	assert.ErrorIs(t, err, mapping.ErrTooLargeToPack)

	_, err = e.builder.WritePacked(t.Context(), []mapping.WriteRequest{
		{Bucket: "b", Key: "k", Body: strings.NewReader("x"), Size: -1},
	})
	assert.ErrorIs(t, err, mapping.ErrTooLargeToPack)

	// Two objects under the threshold whose total exceeds one chunk.
	half := strings.Repeat("y", testChunkSize/2+1)
	_, err = e.builder.WritePacked(t.Context(), []mapping.WriteRequest{
		{Bucket: "b", Key: "1", Body: strings.NewReader(half), Size: int64(len(half))},
		{Bucket: "b", Key: "2", Body: strings.NewReader(half), Size: int64(len(half))},
	})
	assert.ErrorIs(t, err, mapping.ErrTooLargeToPack)
}
