// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package mapping

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/mapping/placer"
	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"
	"github.com/LeeDigitalWorks/zapgate/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// WriteRequest describes one object upload.
type WriteRequest struct {
	Account string
	Bucket  string
	Key     string
	Body    io.Reader
	// Size is the declared length of Body; negative when unknown.
	Size int64
}

func (r *WriteRequest) validate() error {
	if r.Bucket == "" || r.Key == "" {
		return fmt.Errorf("%w: bucket and key are required", ErrInvalidRequest)
	}
	if r.Body == nil {
		return fmt.Errorf("%w: nil body", ErrInvalidRequest)
	}
	return nil
}

// Builder is the write path.
type Builder struct {
	store   db.Store
	agents  ChunkClient
	placer  placer.Placer
	deleter *Deleter
	chunker Chunker
	cfg     Config
	now     func() time.Time
}

type BuilderOption func(*Builder)

// WithChunker replaces the fixed-size chunker.
func WithChunker(c Chunker) BuilderOption {
	return func(b *Builder) { b.chunker = c }
}

// WithTaskQueue queues reference releases the store refuses.
func WithTaskQueue(q taskqueue.Queue) BuilderOption {
	return func(b *Builder) { b.deleter = NewDeleter(b.store, q) }
}

func NewBuilder(store db.Store, agents ChunkClient, p placer.Placer, cfg Config, opts ...BuilderOption) *Builder {
	cfg = cfg.normalize()
	b := &Builder{
		store:   store,
		agents:  agents,
		placer:  p,
		deleter: NewDeleter(store, nil),
		chunker: FixedChunker{Size: cfg.ChunkSize},
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Write stores req.Body and commits it as the live mapping for
// (req.Bucket, req.Key). Readers see either the previous mapping or the
// complete new one. On error nothing is committed and every chunk
// reference taken by the write is released.
func (b *Builder) Write(ctx context.Context, req WriteRequest) (m *types.ObjectMapping, err error) {
	start := time.Now()
	defer func() {
		OperationDuration.WithLabelValues("write").Observe(time.Since(start).Seconds())
		Operations.WithLabelValues("write", result(err)).Inc()
	}()

	if err := req.validate(); err != nil {
		return nil, err
	}

	md5h := utils.Md5PoolGetHasher()
	defer utils.Md5PoolPutHasher(md5h)

	w := &write{b: b}
	split := b.chunker.Split(io.TeeReader(req.Body, md5h))

	var frags []types.Fragment
	var offset uint64
	for {
		data, err := split.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.rollback(ctx)
			return nil, fmt.Errorf("read body: %w", err)
		}
		if req.Size >= 0 && offset+uint64(len(data)) > uint64(req.Size) {
			w.rollback(ctx)
			return nil, fmt.Errorf("%w: more than %d bytes", ErrSizeMismatch, req.Size)
		}

		id := types.ChunkIDFromBytes(data)
		if err := w.putChunk(ctx, id, data); err != nil {
			w.rollback(ctx)
			return nil, err
		}
		frags = append(frags, types.Fragment{Offset: offset, Size: uint64(len(data)), ChunkID: id})
		offset += uint64(len(data))
	}
	if req.Size >= 0 && offset != uint64(req.Size) {
		w.rollback(ctx)
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, offset, req.Size)
	}

	m = &types.ObjectMapping{
		ID:        uuid.New(),
		Account:   req.Account,
		Bucket:    req.Bucket,
		Key:       types.NormalizeKey(req.Key),
		Size:      offset,
		ETag:      hex.EncodeToString(md5h.Sum(nil)),
		CreatedAt: b.now().UTC(),
		Fragments: frags,
	}
	if err := b.commit(ctx, w, m); err != nil {
		return nil, err
	}

	logger.Debug().
		Str("bucket", m.Bucket).
		Str("key", m.Key).
		Str("size", humanize.IBytes(m.Size)).
		Int("chunks", len(frags)).
		Int("dedup", w.dedup).
		Msg("wrote object")
	return m, nil
}

// WritePacked stores several small objects in one shared chunk. Each object
// gets its own mapping whose single fragment points into the chunk through
// ChunkOffset. Mappings are committed in order; on error the mappings
// committed so far are returned along with it.
func (b *Builder) WritePacked(ctx context.Context, reqs []WriteRequest) (out []*types.ObjectMapping, err error) {
	start := time.Now()
	defer func() {
		OperationDuration.WithLabelValues("write_packed").Observe(time.Since(start).Seconds())
		Operations.WithLabelValues("write_packed", result(err)).Inc()
	}()

	type member struct {
		req    WriteRequest
		offset uint64
		size   uint64
		etag   string
	}

	var pack bytes.Buffer
	members := make([]member, 0, len(reqs))
	for _, req := range reqs {
		if err := req.validate(); err != nil {
			return nil, err
		}
		if req.Size < 0 || uint64(req.Size) > b.cfg.PackThreshold {
			return nil, fmt.Errorf("%w: %s/%s is %d bytes, limit %d", ErrTooLargeToPack, req.Bucket, req.Key, req.Size, b.cfg.PackThreshold)
		}
		data, err := io.ReadAll(io.LimitReader(req.Body, req.Size+1))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if int64(len(data)) != req.Size {
			return nil, fmt.Errorf("%w: %s/%s got %d of %d bytes", ErrSizeMismatch, req.Bucket, req.Key, len(data), req.Size)
		}
		members = append(members, member{req: req, offset: uint64(pack.Len()), size: uint64(len(data)), etag: md5Hex(data)})
		pack.Write(data)
	}
	if uint64(pack.Len()) > b.cfg.ChunkSize {
		return nil, fmt.Errorf("%w: pack of %d bytes exceeds chunk size %d", ErrTooLargeToPack, pack.Len(), b.cfg.ChunkSize)
	}

	data := pack.Bytes()
	id := types.ChunkIDFromBytes(data)
	w := &write{b: b}
	for _, mb := range members {
		if mb.size == 0 {
			continue
		}
		if err := w.putChunk(ctx, id, data); err != nil {
			w.rollback(ctx)
			return nil, err
		}
	}

	now := b.now().UTC()
	for _, mb := range members {
		m := &types.ObjectMapping{
			ID:        uuid.New(),
			Account:   mb.req.Account,
			Bucket:    mb.req.Bucket,
			Key:       types.NormalizeKey(mb.req.Key),
			Size:      mb.size,
			ETag:      mb.etag,
			CreatedAt: now,
		}
		if mb.size > 0 {
			off := mb.offset
			m.Fragments = []types.Fragment{{Offset: 0, Size: mb.size, ChunkID: id, ChunkOffset: &off}}
		}

		// Each committed object takes over one of the write's references.
		held := &write{b: b, refs: w.refs[:len(m.Fragments)]}
		if err := b.commit(ctx, held, m); err != nil {
			w.refs = w.refs[len(m.Fragments):]
			w.rollback(ctx)
			return out, err
		}
		w.refs = w.refs[len(m.Fragments):]
		out = append(out, m)
	}
	return out, nil
}

func md5Hex(data []byte) string {
	h := utils.Md5PoolGetHasher()
	defer utils.Md5PoolPutHasher(h)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// commit installs m and releases the mapping it replaced. On failure the
// write's references are released.
func (b *Builder) commit(ctx context.Context, w *write, m *types.ObjectMapping) error {
	prev, err := b.store.UpsertMapping(ctx, m)
	if err != nil {
		w.rollback(ctx)
		return fmt.Errorf("commit mapping: %w", err)
	}
	BytesWritten.Add(float64(m.Size))
	if prev != nil {
		b.deleter.Release(ctx, prev)
	}
	return nil
}

// write tracks the chunk references one write has taken.
type write struct {
	b     *Builder
	refs  []types.ChunkID
	dedup int
}

// putChunk takes a reference on chunk id and makes sure it is durable,
// storing it on agents unless an earlier write already did.
func (w *write) putChunk(ctx context.Context, id types.ChunkID, data []byte) error {
	b := w.b
	refs, err := b.store.IncrChunkRef(ctx, id, uint64(len(data)))
	if err != nil {
		return fmt.Errorf("reference chunk %s: %w", id, err)
	}
	w.refs = append(w.refs, id)

	if refs > 1 {
		info, err := b.store.GetChunk(ctx, id)
		if err == nil && len(info.Replicas) >= b.cfg.Quorum {
			w.dedup++
			DedupHits.Inc()
			return nil
		}
		// Another write holds a reference but has not finished placing,
		// or its placement failed. Agents accept repeated stores.
	}

	replicas, err := b.place(ctx, id, data)
	if len(replicas) > 0 {
		// Recorded even on failure so the sweeper can find partial copies.
		if rerr := b.store.AddChunkReplicas(ctx, id, replicas...); rerr != nil && err == nil {
			err = fmt.Errorf("record replicas of %s: %w", id, rerr)
		}
	}
	if err != nil {
		return err
	}
	ChunksPlaced.Inc()
	return nil
}

// rollback releases every reference the write holds.
func (w *write) rollback(ctx context.Context) {
	if len(w.refs) == 0 {
		return
	}
	logger.Debug().Int("chunks", len(w.refs)).Msg("rolling back write")
	w.b.deleter.release(ctx, w.refs)
	w.refs = nil
}

// place stores data on up to Replicas agents. It succeeds once Quorum
// agents acknowledged and retries with fresh targets while below quorum.
func (b *Builder) place(ctx context.Context, id types.ChunkID, data []byte) ([]types.Replica, error) {
	var acked []types.Replica
	failed := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < b.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			PlacementRetries.Inc()
			if err := sleep(ctx, utils.Backoff(attempt-1, b.cfg.RetryBase, b.cfg.RetryMax)); err != nil {
				lastErr = err
				break
			}
		}

		targets, err := b.placer.Place(ctx, id, b.cfg.Replicas-len(acked), exclusions(acked, failed))
		if errors.Is(err, placer.ErrNoAgents) && len(failed) > 0 {
			// Out of fresh agents; give the failed ones another chance.
			clear(failed)
			targets, err = b.placer.Place(ctx, id, b.cfg.Replicas-len(acked), exclusions(acked, failed))
		}
		if err != nil {
			lastErr = err
			continue
		}

		got, errs := b.storeOn(ctx, targets, id, data)
		acked = append(acked, got...)
		for addr, err := range errs {
			failed[addr] = true
			lastErr = err
			logger.Warn().Err(err).
				Str("chunk_id", id.String()).
				Str("agent", addr).
				Int("attempt", attempt+1).
				Msg("replica write failed")
		}
		if len(acked) >= b.cfg.Quorum {
			if len(acked) < b.cfg.Replicas {
				logger.Warn().
					Str("chunk_id", id.String()).
					Int("replicas", len(acked)).
					Int("wanted", b.cfg.Replicas).
					Msg("chunk under-replicated")
			}
			return acked, nil
		}
	}

	return acked, fmt.Errorf("%w: chunk %s: %d of %d required replicas acknowledged: %w",
		ErrPlacementFailed, id, len(acked), b.cfg.Quorum, lastErr)
}

// storeOn writes the chunk to every target in parallel.
func (b *Builder) storeOn(ctx context.Context, targets []string, id types.ChunkID, data []byte) ([]types.Replica, map[string]error) {
	results := make([]types.Replica, len(targets))
	errs := make([]error, len(targets))

	var g errgroup.Group
	for i, addr := range targets {
		g.Go(func() error {
			results[i], errs[i] = b.agents.StoreChunk(ctx, addr, id, data)
			return nil
		})
	}
	g.Wait()

	var acked []types.Replica
	failed := make(map[string]error)
	for i, addr := range targets {
		if errs[i] != nil {
			failed[addr] = errs[i]
			continue
		}
		acked = append(acked, results[i])
	}
	return acked, failed
}

func exclusions(acked []types.Replica, failed map[string]bool) map[string]bool {
	out := make(map[string]bool, len(acked)+len(failed))
	for _, r := range acked {
		out[r.AgentAddr] = true
	}
	for addr := range failed {
		out[addr] = true
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
