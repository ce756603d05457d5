// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/compression"
	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapgate/pkg/storage/index"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"
	"github.com/LeeDigitalWorks/zapgate/pkg/utils"
)

var (
	ErrChunkNotFound = errors.New("chunk not found")
	ErrChecksum      = errors.New("chunk checksum mismatch")
	ErrIDMismatch    = errors.New("chunk id does not match content")
	ErrBadRange      = errors.New("range outside chunk")
)

// lockStripes bounds the per-chunk lock table. Chunks hashing to the same
// stripe serialize, which only costs parallelism.
const lockStripes = 64

// ChunkStore keeps chunk replicas on a backend, with a local index of what
// is stored, how it is compressed, and its checksum.
type ChunkStore struct {
	backend types.BackendStorage
	idx     index.ChunkIndex
	algo    compression.Algorithm
	locks   [lockStripes]sync.Mutex
}

// NewChunkStore creates a store. algo is applied to new chunks when it
// saves space; existing chunks keep the algorithm recorded in the index.
func NewChunkStore(b types.BackendStorage, idx index.ChunkIndex, algo compression.Algorithm) *ChunkStore {
	s := &ChunkStore{backend: b, idx: idx, algo: algo}
	s.initializeMetrics()
	return s
}

func (s *ChunkStore) lock(id types.ChunkID) *sync.Mutex {
	var h byte
	if len(id) > 0 {
		h = id[0] ^ id[len(id)-1]
	}
	return &s.locks[int(h)%lockStripes]
}

// Handle returns the backend key a chunk is stored under.
func Handle(id types.ChunkID) string {
	return path.Join(id.SubDirs(), id.String())
}

// Put stores data as chunk id. It verifies the id against the content and
// is idempotent: a chunk already indexed and present is not rewritten.
func (s *ChunkStore) Put(ctx context.Context, id types.ChunkID, data []byte) (types.StoredChunk, bool, error) {
	if err := id.Validate(); err != nil {
		return types.StoredChunk{}, false, err
	}
	if got := types.ChunkIDFromBytes(data); got != id {
		return types.StoredChunk{}, false, fmt.Errorf("%w: got %s", ErrIDMismatch, got)
	}

	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := s.idx.Get(id); err == nil {
		ok, err := s.backend.Exists(ctx, existing.Path)
		if err != nil {
			return types.StoredChunk{}, false, err
		}
		if ok {
			existing.StoredAt = time.Now().UnixNano()
			if err := s.idx.PutSync(id, existing); err != nil {
				return types.StoredChunk{}, false, fmt.Errorf("index chunk: %w", err)
			}
			return existing, true, nil
		}
		logger.Warn().Str("chunk_id", id.String()).Msg("indexed chunk missing from backend, rewriting")
		s.forget(existing)
	}

	stored, usedAlgo, err := compression.CompressIfBeneficial(s.algo, data)
	if err != nil {
		logger.Warn().Err(err).Str("chunk_id", id.String()).Msg("compression failed, storing raw")
		stored, usedAlgo = data, compression.None
	}

	now := time.Now()
	chunk := types.StoredChunk{
		ID:        id,
		Path:      Handle(id),
		Size:      uint64(len(stored)),
		Checksum:  utils.Crc64nvme(data),
		CreatedAt: now.Unix(),
		StoredAt:  now.UnixNano(),
	}
	if usedAlgo != compression.None {
		chunk.OriginalSize = uint64(len(data))
		chunk.Compression = usedAlgo.String()
	}

	if err := s.backend.Write(ctx, chunk.Path, bytes.NewReader(stored), int64(len(stored))); err != nil {
		return types.StoredChunk{}, false, fmt.Errorf("write backend: %w", err)
	}
	if err := s.idx.PutSync(id, chunk); err != nil {
		return types.StoredChunk{}, false, fmt.Errorf("index chunk: %w", err)
	}

	ChunkTotalCount.Inc()
	ChunkTotalBytes.Add(float64(chunk.Size))
	return chunk, false, nil
}

// Get returns length bytes of chunk id starting at offset; length 0 reads
// to the end. The whole chunk is checked against its checksum first.
func (s *ChunkStore) Get(ctx context.Context, id types.ChunkID, offset, length uint64) ([]byte, error) {
	chunk, err := s.idx.Get(id)
	if errors.Is(err, index.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rc, err := s.backend.Read(ctx, chunk.Path)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read backend: %w", err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read backend: %w", err)
	}

	data, err := compression.Decompress(compression.ParseAlgorithm(chunk.Compression), raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChecksum, err)
	}
	if uint64(len(data)) != chunk.GetOriginalSize() || utils.Crc64nvme(data) != chunk.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksum, id)
	}

	size := uint64(len(data))
	if offset > size || (length > 0 && offset+length > size) {
		return nil, fmt.Errorf("%w: [%d, +%d) of %d", ErrBadRange, offset, length, size)
	}
	end := size
	if length > 0 {
		end = offset + length
	}
	return data[offset:end], nil
}

// Delete removes chunk id. Deleting an unknown chunk succeeds. A non-zero
// storedBefore keeps a chunk that was stored again at or after that time,
// so a sweep racing a fresh write of the same content leaves it alone.
func (s *ChunkStore) Delete(ctx context.Context, id types.ChunkID, storedBefore time.Time) (bool, error) {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	chunk, err := s.idx.Get(id)
	if errors.Is(err, index.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !storedBefore.IsZero() && chunk.StoredAt >= storedBefore.UnixNano() {
		return false, nil
	}
	if err := s.backend.Delete(ctx, chunk.Path); err != nil {
		return false, fmt.Errorf("delete backend: %w", err)
	}
	if err := s.idx.DeleteSync(id); err != nil {
		return false, err
	}
	s.forget(chunk)
	return true, nil
}

func (s *ChunkStore) forget(chunk types.StoredChunk) {
	ChunkTotalCount.Dec()
	ChunkTotalBytes.Sub(float64(chunk.Size))
}

// Stats counts the indexed chunks and their stored bytes.
func (s *ChunkStore) Stats() (chunks, bytes uint64, err error) {
	err = s.idx.Iterate(func(_ types.ChunkID, c types.StoredChunk) error {
		chunks++
		bytes += c.Size
		return nil
	})
	return chunks, bytes, err
}

func (s *ChunkStore) initializeMetrics() {
	chunks, bytes, err := s.Stats()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to scan chunk index")
		return
	}
	ChunkTotalCount.Set(float64(chunks))
	ChunkTotalBytes.Set(float64(bytes))
}

func (s *ChunkStore) Close() error {
	idxErr := s.idx.Close()
	if err := s.backend.Close(); err != nil {
		return err
	}
	return idxErr
}
