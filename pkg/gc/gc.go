// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package gc collects chunks no mapping references any more.
//
// A sweep lists chunks whose reference count has been zero for longer than
// the grace period. Each one is removed from the registry first, which
// fails if a writer took a new reference in the meantime, and then every
// replica is deleted from its agent. Replica deletes carry the time the
// chunk was collected so an agent keeps a copy a new writer stored after
// that point. Deletes an agent does not acknowledge are queued as
// chunk_delete tasks.
package gc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapgate/pkg/taskqueue/handlers"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"
	"github.com/LeeDigitalWorks/zapgate/pkg/utils"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultInterval    = time.Minute
	DefaultGracePeriod = 5 * time.Minute
	DefaultBatchSize   = 500
	DefaultConcurrency = 8
)

// Config holds sweeper configuration
type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	// Grace is how long a chunk stays unreferenced before it is collected.
	// Zero collects immediately.
	Grace       time.Duration `mapstructure:"grace"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
}

func DefaultConfig() Config {
	return Config{
		Interval:    DefaultInterval,
		Grace:       DefaultGracePeriod,
		BatchSize:   DefaultBatchSize,
		Concurrency: DefaultConcurrency,
	}
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned   int
	Collected int
	// Skipped chunks gained a reference or vanished before collection
	Skipped        int
	Bytes          uint64
	ReplicaDeletes int
	Queued         int
}

// Sweeper garbage collects unreferenced chunks
type Sweeper struct {
	store  db.ChunkStore
	agents handlers.ReplicaDeleter
	queue  taskqueue.Queue
	cfg    Config
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a sweeper. queue may be nil, in which case replica deletes
// that fail are logged and left to a later sweep of the agent.
func New(store db.ChunkStore, agents handlers.ReplicaDeleter, queue taskqueue.Queue, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Sweeper{
		store:  store,
		agents: agents,
		queue:  queue,
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start sweeps every Interval until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		tick, stop := utils.JitteredTicker(s.cfg.Interval, 0.1)
		defer stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-tick:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop signals the sweeper to exit and waits for a running sweep.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) Stats {
	start := time.Now()
	RunsTotal.Inc()
	defer func() { SweepDuration.Observe(time.Since(start).Seconds()) }()

	var (
		st        Stats
		collected atomic.Int64
		skipped   atomic.Int64
		bytes     atomic.Uint64
		deletes   atomic.Int64
		queued    atomic.Int64
	)
	cutoff := s.now().Add(-s.cfg.Grace)

	for ctx.Err() == nil {
		batch, err := s.store.ListZeroRefChunks(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			logger.Error().Err(err).Msg("gc: list unreferenced chunks failed")
			break
		}
		st.Scanned += len(batch)
		before := collected.Load() + skipped.Load()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Concurrency)
		for _, info := range batch {
			g.Go(func() error {
				// Replicas stored from here on belong to a writer that
				// registered the chunk again after the sweep removed it.
				sweptAt := s.now()
				ok, err := s.collect(gctx, info)
				switch {
				case err != nil:
					logger.Error().Err(err).Str("chunk_id", info.ID.String()).Msg("gc: collect chunk failed")
					return nil
				case !ok:
					skipped.Add(1)
					return nil
				}
				collected.Add(1)
				bytes.Add(info.Size)
				d, q := s.deleteReplicas(gctx, info, sweptAt)
				deletes.Add(int64(d))
				queued.Add(int64(q))
				return nil
			})
		}
		g.Wait()

		// Entries that failed to collect are listed again; stop rather than
		// spin on them.
		if len(batch) < s.cfg.BatchSize || collected.Load()+skipped.Load() == before {
			break
		}
	}

	st.Collected = int(collected.Load())
	st.Skipped = int(skipped.Load())
	st.Bytes = bytes.Load()
	st.ReplicaDeletes = int(deletes.Load())
	st.Queued = int(queued.Load())

	if st.Scanned > 0 {
		logger.Info().
			Int("scanned", st.Scanned).
			Int("collected", st.Collected).
			Int("skipped", st.Skipped).
			Str("reclaimed", humanize.IBytes(st.Bytes)).
			Int("queued", st.Queued).
			Dur("grace_period", s.cfg.Grace).
			Msg("gc: sweep completed")
	}
	return st
}

// collect removes the chunk's registry entry. It reports false when the
// chunk was referenced again or already collected.
func (s *Sweeper) collect(ctx context.Context, info *types.ChunkInfo) (bool, error) {
	err := s.store.DeleteChunk(ctx, info.ID)
	switch {
	case errors.Is(err, db.ErrChunkReferenced):
		logger.Debug().Str("chunk_id", info.ID.String()).Msg("gc: chunk referenced again, skipping")
		return false, nil
	case errors.Is(err, db.ErrChunkNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	ChunksCollected.Inc()
	BytesReclaimed.Add(float64(info.Size))
	return true, nil
}

// deleteReplicas removes every replica of a collected chunk stored before
// sweptAt and returns how many agents were asked and how many deletes were
// queued for retry. sweptAt must precede the registry delete.
func (s *Sweeper) deleteReplicas(ctx context.Context, info *types.ChunkInfo, sweptAt time.Time) (sent, queued int) {
	for _, r := range info.Replicas {
		sent++
		deleted, err := s.agents.DeleteChunk(ctx, r.AgentAddr, info.ID, sweptAt)
		if err == nil {
			if deleted {
				ReplicaDeletes.WithLabelValues("deleted").Inc()
			} else {
				ReplicaDeletes.WithLabelValues("kept").Inc()
			}
			continue
		}

		logger.Warn().Err(err).
			Str("chunk_id", info.ID.String()).
			Str("agent", r.AgentAddr).
			Msg("gc: replica delete failed")
		if s.enqueue(ctx, info.ID, r.AgentAddr, sweptAt) {
			queued++
			ReplicaDeletes.WithLabelValues("queued").Inc()
		} else {
			ReplicaDeletes.WithLabelValues("error").Inc()
		}
	}
	return sent, queued
}

func (s *Sweeper) enqueue(ctx context.Context, id types.ChunkID, addr string, before time.Time) bool {
	if s.queue == nil {
		return false
	}
	task, err := handlers.NewChunkDeleteTask(id, addr, before)
	if err == nil {
		err = s.queue.Enqueue(context.WithoutCancel(ctx), task)
	}
	if err != nil {
		logger.Error().Err(err).Str("chunk_id", id.String()).Str("agent", addr).Msg("gc: failed to queue replica delete")
		return false
	}
	return true
}
