// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package handlers executes the chunk bookkeeping tasks queued by the
// mapping layer and the garbage collector.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

// ============================================================================
// chunk_decrement
// ============================================================================

// ChunkDecrementPayload releases one reference to a chunk.
type ChunkDecrementPayload struct {
	ChunkID types.ChunkID `json:"chunk_id"`
}

// ChunkDecrementHandler retries reference releases the store refused.
type ChunkDecrementHandler struct {
	store db.ChunkStore
}

func NewChunkDecrementHandler(store db.ChunkStore) *ChunkDecrementHandler {
	return &ChunkDecrementHandler{store: store}
}

func (h *ChunkDecrementHandler) Type() taskqueue.TaskType {
	return taskqueue.TaskTypeChunkDecrement
}

func (h *ChunkDecrementHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	payload, err := taskqueue.UnmarshalPayload[ChunkDecrementPayload](task.Payload)
	if err != nil || payload.ChunkID.Validate() != nil {
		return fmt.Errorf("%w: %s", taskqueue.ErrInvalidPayload, task.ID)
	}

	refs, err := h.store.DecrChunkRef(ctx, payload.ChunkID)
	if errors.Is(err, db.ErrChunkNotFound) {
		// Already at zero or collected.
		logger.Debug().
			Str("task_id", task.ID).
			Str("chunk_id", payload.ChunkID.String()).
			Msg("taskqueue: chunk already released")
		return nil
	}
	if err != nil {
		return err
	}

	logger.Debug().
		Str("task_id", task.ID).
		Str("chunk_id", payload.ChunkID.String()).
		Int64("refs", refs).
		Msg("taskqueue: chunk reference released")
	return nil
}

// NewChunkDecrementTask creates a task for a failed reference release.
func NewChunkDecrementTask(id types.ChunkID) (*taskqueue.Task, error) {
	payload, err := taskqueue.MarshalPayload(ChunkDecrementPayload{ChunkID: id})
	if err != nil {
		return nil, err
	}
	return &taskqueue.Task{
		Type:     taskqueue.TaskTypeChunkDecrement,
		Payload:  payload,
		Priority: taskqueue.PriorityNormal,
	}, nil
}

// ============================================================================
// chunk_delete
// ============================================================================

// ReplicaDeleter removes chunk replicas from agents.
type ReplicaDeleter interface {
	DeleteChunk(ctx context.Context, addr string, id types.ChunkID, storedBefore time.Time) (bool, error)
}

// ChunkDeletePayload removes one replica of a collected chunk.
type ChunkDeletePayload struct {
	ChunkID   types.ChunkID `json:"chunk_id"`
	AgentAddr string        `json:"agent"`
	// StoredBefore (unix nanos) protects a replica written again after
	// the chunk was collected.
	StoredBefore int64 `json:"stored_before"`
}

// ChunkDeleteHandler retries replica deletes an agent did not acknowledge.
type ChunkDeleteHandler struct {
	store  db.ChunkStore
	agents ReplicaDeleter
}

func NewChunkDeleteHandler(store db.ChunkStore, agents ReplicaDeleter) *ChunkDeleteHandler {
	return &ChunkDeleteHandler{store: store, agents: agents}
}

func (h *ChunkDeleteHandler) Type() taskqueue.TaskType {
	return taskqueue.TaskTypeChunkDelete
}

func (h *ChunkDeleteHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	payload, err := taskqueue.UnmarshalPayload[ChunkDeletePayload](task.Payload)
	if err != nil || payload.ChunkID.Validate() != nil || payload.AgentAddr == "" {
		return fmt.Errorf("%w: %s", taskqueue.ErrInvalidPayload, task.ID)
	}

	// The chunk may have been written again and registered on this agent.
	info, err := h.store.GetChunk(ctx, payload.ChunkID)
	switch {
	case err == nil && info.HasReplica(payload.AgentAddr):
		logger.Debug().
			Str("task_id", task.ID).
			Str("chunk_id", payload.ChunkID.String()).
			Str("agent", payload.AgentAddr).
			Msg("taskqueue: replica is live again, keeping it")
		return nil
	case err != nil && !errors.Is(err, db.ErrChunkNotFound):
		return err
	}

	var before time.Time
	if payload.StoredBefore > 0 {
		before = time.Unix(0, payload.StoredBefore)
	}
	deleted, err := h.agents.DeleteChunk(ctx, payload.AgentAddr, payload.ChunkID, before)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("task_id", task.ID).
			Str("chunk_id", payload.ChunkID.String()).
			Str("agent", payload.AgentAddr).
			Msg("taskqueue: replica delete failed")
		return err
	}

	logger.Debug().
		Str("task_id", task.ID).
		Str("chunk_id", payload.ChunkID.String()).
		Str("agent", payload.AgentAddr).
		Bool("deleted", deleted).
		Msg("taskqueue: replica delete done")
	return nil
}

// NewChunkDeleteTask creates a task for a replica delete that failed.
func NewChunkDeleteTask(id types.ChunkID, addr string, storedBefore time.Time) (*taskqueue.Task, error) {
	payload, err := taskqueue.MarshalPayload(ChunkDeletePayload{
		ChunkID:      id,
		AgentAddr:    addr,
		StoredBefore: storedBefore.UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	return &taskqueue.Task{
		Type:     taskqueue.TaskTypeChunkDelete,
		Payload:  payload,
		Priority: taskqueue.PriorityLow,
	}, nil
}

// Register installs both chunk handlers on w.
func Register(w *taskqueue.Worker, store db.ChunkStore, agents ReplicaDeleter) {
	w.RegisterHandler(NewChunkDecrementHandler(store))
	w.RegisterHandler(NewChunkDeleteHandler(store, agents))
}
