// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent implements the storage agent: an RPC service holding chunk
// replicas on a local byte backend.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/compression"
	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/rpc"
	"github.com/LeeDigitalWorks/zapgate/pkg/storage/backend"
	"github.com/LeeDigitalWorks/zapgate/pkg/storage/index"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"

	"github.com/google/uuid"
)

// Operations served by an agent.
const (
	OpStoreChunk  = "store_chunk"
	OpReadChunk   = "read_chunk"
	OpDeleteChunk = "delete_chunk"
	OpStat        = "stat"
)

// StoreChunkRequest carries the chunk bytes in buffer 0.
type StoreChunkRequest struct {
	ChunkID types.ChunkID `json:"chunk_id"`
}

type StoreChunkReply struct {
	Handle string `json:"handle"`
	Size   uint64 `json:"size"`
	Exists bool   `json:"exists,omitempty"`
}

// ReadChunkRequest asks for [Offset, Offset+Length) of a chunk. Length 0
// reads to the end of the chunk. The bytes come back in buffer 0.
type ReadChunkRequest struct {
	ChunkID types.ChunkID `json:"chunk_id"`
	Offset  uint64        `json:"offset,omitempty"`
	Length  uint64        `json:"length,omitempty"`
}

// DeleteChunkRequest removes a chunk. When IfStoredBefore (unix nanos) is
// set, a chunk stored again at or after that time is kept.
type DeleteChunkRequest struct {
	ChunkID        types.ChunkID `json:"chunk_id"`
	IfStoredBefore int64         `json:"if_stored_before,omitempty"`
}

type DeleteChunkReply struct {
	Deleted bool `json:"deleted"`
}

// Status describes an agent.
type Status struct {
	ID          string `json:"id"`
	Backend     string `json:"backend"`
	Chunks      uint64 `json:"chunks"`
	Bytes       uint64 `json:"bytes"`
	DiskTotal   uint64 `json:"disk_total,omitempty"`
	DiskUsed    uint64 `json:"disk_used,omitempty"`
	StartedAt   int64  `json:"started_at"`
	Compression string `json:"compression"`
}

// Config configures an agent.
type Config struct {
	// ID names the agent in logs and status; a random uuid when empty.
	ID          string              `mapstructure:"id"`
	Backend     types.BackendConfig `mapstructure:"backend"`
	IndexKind   index.Kind          `mapstructure:"index_kind"`
	IndexDir    string              `mapstructure:"index_dir"`
	Compression string              `mapstructure:"compression"`
}

// Agent serves chunk operations from a ChunkStore.
type Agent struct {
	id        string
	store     *ChunkStore
	backend   types.BackendStorage
	algo      compression.Algorithm
	startedAt time.Time
}

// New opens the backend and index named by cfg.
func New(cfg Config) (*Agent, error) {
	b, err := backend.New(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	idx, err := index.OpenChunkIndex(cfg.IndexKind, cfg.IndexDir)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open index: %w", err)
	}
	return NewWithStore(cfg.ID, b, idx, compression.ParseAlgorithm(cfg.Compression)), nil
}

// NewWithStore builds an agent over an already opened backend and index.
func NewWithStore(id string, b types.BackendStorage, idx index.ChunkIndex, algo compression.Algorithm) *Agent {
	if id == "" {
		id = uuid.NewString()
	}
	return &Agent{
		id:        id,
		store:     NewChunkStore(b, idx, algo),
		backend:   b,
		algo:      algo,
		startedAt: time.Now(),
	}
}

// NewMemory builds an agent keeping everything in memory.
func NewMemory(id string) *Agent {
	idx, _ := index.NewMemoryIndexer[types.ChunkID, types.StoredChunk]()
	return NewWithStore(id, backend.NewMemoryStorage(), idx, compression.None)
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) Store() *ChunkStore { return a.store }

func (a *Agent) Backend() types.BackendStorage { return a.backend }

// Register installs the agent's operations on s.
func (a *Agent) Register(s *rpc.Server) {
	s.Handle(OpStoreChunk, a.storeChunk)
	s.Handle(OpReadChunk, a.readChunk)
	s.Handle(OpDeleteChunk, a.deleteChunk)
	s.Handle(OpStat, a.stat)
}

func (a *Agent) Close() error {
	return a.store.Close()
}

func (a *Agent) storeChunk(ctx context.Context, req *rpc.Request) (*rpc.Message, error) {
	var args StoreChunkRequest
	if err := req.Msg.Decode(&args); err != nil {
		return nil, rpc.NewError(rpc.CodeBadRequest, "%v", err)
	}
	data := req.Msg.Buffer(0)
	if data == nil {
		return nil, rpc.NewError(rpc.CodeBadRequest, "store_chunk: missing chunk data")
	}

	chunk, existed, err := a.store.Put(ctx, args.ChunkID, data)
	if err != nil {
		ChunkOperations.WithLabelValues(OpStoreChunk, "error").Inc()
		if errors.Is(err, ErrIDMismatch) {
			return nil, rpc.NewError(rpc.CodeBadRequest, "%v", err)
		}
		if args.ChunkID.Validate() != nil {
			return nil, rpc.NewError(rpc.CodeBadRequest, "%v", err)
		}
		logger.Error().Err(err).Str("chunk_id", args.ChunkID.String()).Msg("store chunk failed")
		return nil, err
	}

	result := "ok"
	if existed {
		result = "exists"
	} else {
		ChunkBytesIn.Add(float64(len(data)))
	}
	ChunkOperations.WithLabelValues(OpStoreChunk, result).Inc()
	logger.Debug().
		Str("chunk_id", args.ChunkID.String()).
		Int("size", len(data)).
		Bool("exists", existed).
		Str("compression", chunk.Compression).
		Msg("stored chunk")

	return rpc.NewMessage(StoreChunkReply{Handle: chunk.Path, Size: chunk.GetOriginalSize(), Exists: existed})
}

func (a *Agent) readChunk(ctx context.Context, req *rpc.Request) (*rpc.Message, error) {
	var args ReadChunkRequest
	if err := req.Msg.Decode(&args); err != nil {
		return nil, rpc.NewError(rpc.CodeBadRequest, "%v", err)
	}

	data, err := a.store.Get(ctx, args.ChunkID, args.Offset, args.Length)
	switch {
	case err == nil:
	case errors.Is(err, ErrChunkNotFound):
		ChunkOperations.WithLabelValues(OpReadChunk, "not_found").Inc()
		return nil, rpc.NewError(rpc.CodeNotFound, "chunk %s", args.ChunkID)
	case errors.Is(err, ErrChecksum):
		ChunkOperations.WithLabelValues(OpReadChunk, "corrupt").Inc()
		logger.Error().Err(err).Str("chunk_id", args.ChunkID.String()).Msg("corrupt chunk replica")
		return nil, rpc.NewError(rpc.CodeCorrupt, "chunk %s", args.ChunkID)
	case errors.Is(err, ErrBadRange):
		ChunkOperations.WithLabelValues(OpReadChunk, "error").Inc()
		return nil, rpc.NewError(rpc.CodeBadRequest, "%v", err)
	default:
		ChunkOperations.WithLabelValues(OpReadChunk, "error").Inc()
		return nil, err
	}

	ChunkOperations.WithLabelValues(OpReadChunk, "ok").Inc()
	ChunkBytesOut.Add(float64(len(data)))
	return rpc.NewMessage(nil, data)
}

func (a *Agent) deleteChunk(ctx context.Context, req *rpc.Request) (*rpc.Message, error) {
	var args DeleteChunkRequest
	if err := req.Msg.Decode(&args); err != nil {
		return nil, rpc.NewError(rpc.CodeBadRequest, "%v", err)
	}

	var before time.Time
	if args.IfStoredBefore > 0 {
		before = time.Unix(0, args.IfStoredBefore)
	}
	deleted, err := a.store.Delete(ctx, args.ChunkID, before)
	if err != nil {
		ChunkOperations.WithLabelValues(OpDeleteChunk, "error").Inc()
		return nil, err
	}
	ChunkOperations.WithLabelValues(OpDeleteChunk, "ok").Inc()
	if deleted {
		logger.Debug().Str("chunk_id", args.ChunkID.String()).Msg("deleted chunk")
	}
	return rpc.NewMessage(DeleteChunkReply{Deleted: deleted})
}

func (a *Agent) stat(ctx context.Context, req *rpc.Request) (*rpc.Message, error) {
	st, err := a.Status()
	if err != nil {
		return nil, err
	}
	return rpc.NewMessage(st)
}

// Status reports what the agent holds.
func (a *Agent) Status() (*Status, error) {
	chunks, size, err := a.store.Stats()
	if err != nil {
		return nil, err
	}
	st := &Status{
		ID:          a.id,
		Backend:     string(a.backend.Type()),
		Chunks:      chunks,
		Bytes:       size,
		StartedAt:   a.startedAt.Unix(),
		Compression: a.algo.String(),
	}
	if local, ok := a.backend.(*backend.Local); ok {
		st.DiskTotal, st.DiskUsed, _ = backend.DiskUsage(local.Path())
	}
	return st, nil
}
