// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package mapping

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/cache"
	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/mapping/placer"
	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

// ChunkCache holds chunk registry entries between reads.
type ChunkCache = cache.Cache[types.ChunkID, *types.ChunkInfo]

// NewChunkCache creates a cache of up to size registry entries that loads
// misses from store and drops entries unread for ttl.
func NewChunkCache(store db.ChunkStore, size int, ttl time.Duration) *ChunkCache {
	return cache.New(
		cache.WithMaxSize[types.ChunkID, *types.ChunkInfo](size),
		cache.WithExpiry[types.ChunkID, *types.ChunkInfo](ttl),
		cache.WithLoadFunc(store.GetChunk),
	)
}

// Reader is the read path.
type Reader struct {
	store  db.Store
	agents ChunkClient
	placer placer.Placer
	chunks *ChunkCache
}

type ReaderOption func(*Reader)

// WithChunkCache serves chunk lookups from c. A read that finds no live
// replica among cached locations looks the chunk up again in the registry.
// The caller owns c and stops it.
func WithChunkCache(c *ChunkCache) ReaderOption {
	return func(r *Reader) {
		r.chunks = c
	}
}

// NewReader creates a reader. p orders replicas for failover; with a nil
// placer replicas are tried in registry order.
func NewReader(store db.Store, agents ChunkClient, p placer.Placer, opts ...ReaderOption) *Reader {
	r := &Reader{store: store, agents: agents, placer: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stat returns the live mapping for (bucket, key).
func (r *Reader) Stat(ctx context.Context, bucket, key string) (*types.ObjectMapping, error) {
	return r.store.FindMapping(ctx, bucket, types.NormalizeKey(key))
}

// Read writes the bytes of rng (the whole object when nil) to w and returns
// the mapping it read. Each fragment is fetched in full before any of its
// bytes reach w, so a failed read leaves w holding a prefix of the range.
func (r *Reader) Read(ctx context.Context, bucket, key string, rng *Range, w io.Writer) (m *types.ObjectMapping, err error) {
	start := time.Now()
	defer func() {
		OperationDuration.WithLabelValues("read").Observe(time.Since(start).Seconds())
		Operations.WithLabelValues("read", result(err)).Inc()
	}()

	m, err = r.Stat(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	want, err := resolve(rng, m.Size)
	if err != nil {
		return nil, err
	}

	chunks := make(map[types.ChunkID]*types.ChunkInfo)
	for _, f := range m.Overlapping(want.Start, want.End) {
		// Clip the fragment to the requested range.
		lo := max(f.Offset, want.Start)
		hi := min(f.End(), want.End)

		info, ok := chunks[f.ChunkID]
		if !ok {
			info, err = r.lookup(ctx, f.ChunkID)
			if err != nil {
				return m, err
			}
			chunks[f.ChunkID] = info
		}

		offset, length := f.InternalOffset()+(lo-f.Offset), hi-lo
		data, err := r.fetch(ctx, info, offset, length)
		if err != nil && r.chunks != nil && errors.Is(err, ErrReplicaUnavailable) {
			// Cached locations may be stale.
			r.chunks.Delete(f.ChunkID)
			if info, err = r.lookup(ctx, f.ChunkID); err != nil {
				return m, err
			}
			chunks[f.ChunkID] = info
			data, err = r.fetch(ctx, info, offset, length)
		}
		if err != nil {
			return m, err
		}
		if _, err := w.Write(data); err != nil {
			return m, fmt.Errorf("write object data: %w", err)
		}
		BytesRead.Add(float64(len(data)))
	}
	return m, nil
}

// ReadAll returns the bytes of rng (the whole object when nil).
func (r *Reader) ReadAll(ctx context.Context, bucket, key string, rng *Range) ([]byte, *types.ObjectMapping, error) {
	var buf bytes.Buffer
	m, err := r.Read(ctx, bucket, key, rng, &buf)
	if err != nil {
		return nil, m, err
	}
	return buf.Bytes(), m, nil
}

func (r *Reader) lookup(ctx context.Context, id types.ChunkID) (*types.ChunkInfo, error) {
	var (
		info *types.ChunkInfo
		err  error
	)
	if r.chunks != nil {
		info, err = r.chunks.GetOrLoad(ctx, id)
	} else {
		info, err = r.store.GetChunk(ctx, id)
	}
	if errors.Is(err, db.ErrChunkNotFound) {
		return nil, fmt.Errorf("%w: chunk %s is not registered", ErrReplicaUnavailable, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup chunk %s: %w", id, err)
	}
	return info, nil
}

// fetch reads [offset, offset+length) of a chunk from the first replica
// that answers.
func (r *Reader) fetch(ctx context.Context, info *types.ChunkInfo, offset, length uint64) ([]byte, error) {
	replicas := info.Replicas
	if r.placer != nil {
		replicas = r.placer.Rank(replicas)
	}
	if len(replicas) == 0 {
		return nil, fmt.Errorf("%w: chunk %s has no replicas", ErrReplicaUnavailable, info.ID)
	}

	var errs []error
	for i, rep := range replicas {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := r.agents.ReadChunk(ctx, rep.AgentAddr, info.ID, offset, length)
		if err == nil {
			return data, nil
		}
		errs = append(errs, err)
		if i < len(replicas)-1 {
			ReplicaFailovers.Inc()
		}
		logger.Warn().Err(err).
			Str("chunk_id", info.ID.String()).
			Str("agent", rep.AgentAddr).
			Msg("replica read failed")
	}
	return nil, fmt.Errorf("%w: chunk %s: %w", ErrReplicaUnavailable, info.ID, errors.Join(errs...))
}
