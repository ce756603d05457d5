// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package mapping

import (
	"context"
	"errors"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapgate/pkg/taskqueue/handlers"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

// Deleter removes mappings and releases the chunk references they held.
// Chunks left without references are collected later by the gc sweeper.
type Deleter struct {
	store db.Store
	queue taskqueue.Queue
}

// NewDeleter creates a deleter. Releases the store refuses are queued on
// queue for retry; with a nil queue they are only logged.
func NewDeleter(store db.Store, queue taskqueue.Queue) *Deleter {
	return &Deleter{store: store, queue: queue}
}

// Delete removes the live mapping for (bucket, key) and returns it.
func (d *Deleter) Delete(ctx context.Context, bucket, key string) (*types.ObjectMapping, error) {
	start := time.Now()
	m, err := d.store.DeleteMapping(ctx, bucket, types.NormalizeKey(key))
	OperationDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	if errors.Is(err, db.ErrMappingNotFound) {
		Operations.WithLabelValues("delete", "not_found").Inc()
		return nil, err
	}
	if err != nil {
		Operations.WithLabelValues("delete", "error").Inc()
		return nil, err
	}
	Operations.WithLabelValues("delete", "ok").Inc()

	d.Release(ctx, m)
	logger.Debug().
		Str("bucket", bucket).
		Str("key", m.Key).
		Str("mapping_id", m.ID.String()).
		Int("fragments", len(m.Fragments)).
		Msg("deleted object")
	return m, nil
}

// Release drops one reference per fragment of m. It never fails: refused
// releases are queued for retry.
func (d *Deleter) Release(ctx context.Context, m *types.ObjectMapping) {
	if m == nil {
		return
	}
	d.release(ctx, m.ChunkRefs())
}

func (d *Deleter) release(ctx context.Context, ids []types.ChunkID) {
	// Releases finish even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		refs, err := d.store.DecrChunkRef(ctx, id)
		switch {
		case errors.Is(err, db.ErrChunkNotFound):
			logger.Warn().Str("chunk_id", id.String()).Msg("released a chunk with no references")
		case err != nil:
			d.retryLater(ctx, id, err)
		case refs == 0:
			ChunksReleased.Inc()
			logger.Debug().Str("chunk_id", id.String()).Msg("chunk unreferenced")
		}
	}
}

func (d *Deleter) retryLater(ctx context.Context, id types.ChunkID, cause error) {
	if d.queue == nil {
		logger.Error().Err(cause).Str("chunk_id", id.String()).Msg("chunk reference release failed, reference leaked")
		return
	}
	task, err := handlers.NewChunkDecrementTask(id)
	if err == nil {
		err = d.queue.Enqueue(ctx, task)
	}
	if err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Str("chunk_id", id.String()).Msg("failed to queue chunk reference release")
		return
	}
	logger.Warn().Err(cause).Str("chunk_id", id.String()).Str("task_id", task.ID).Msg("chunk reference release queued for retry")
}
