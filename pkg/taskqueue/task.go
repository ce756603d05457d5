// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskqueue retries chunk bookkeeping that could not finish inline:
// reference decrements the metadata store refused and replica deletes an
// agent did not acknowledge.
//
// Backends:
// - Redis - durable, shared by every gateway using the same metadata redis
// - In-memory - single process, lost on restart
package taskqueue

import (
	"encoding/json"
	"time"
)

// Default configuration values
const (
	DefaultPollInterval = time.Second
	DefaultConcurrency  = 4
	DefaultMaxRetries   = 10
	DefaultRetryBase    = time.Second
	DefaultRetryMax     = 5 * time.Minute
)

// TaskType identifies the type of task for routing to handlers.
type TaskType string

const (
	TaskTypeChunkDecrement TaskType = "chunk_decrement" // release one chunk reference
	TaskTypeChunkDelete    TaskType = "chunk_delete"    // remove one replica from an agent
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusRunning    TaskStatus = "running"
	StatusCompleted  TaskStatus = "completed"
	StatusDeadLetter TaskStatus = "dead_letter" // failed permanently
	StatusCancelled  TaskStatus = "cancelled"
)

// TaskPriority allows urgent tasks to be processed first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 0
	PriorityNormal TaskPriority = 5
	PriorityHigh   TaskPriority = 10
)

// Task is a unit of deferred work.
type Task struct {
	ID       string       `json:"id"`
	Type     TaskType     `json:"type"`
	Status   TaskStatus   `json:"status"`
	Priority TaskPriority `json:"priority"`

	// Payload is the JSON encoded task-specific data
	Payload json.RawMessage `json:"payload"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	RetryAfter time.Time `json:"retry_after,omitempty"`
	LastError  string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	WorkerID  string    `json:"worker_id,omitempty"`
}

// readyAt is when a pending task may next run.
func (t *Task) readyAt() time.Time {
	if t.RetryAfter.After(t.ScheduledAt) {
		return t.RetryAfter
	}
	return t.ScheduledAt
}

// TaskFilter for querying tasks.
type TaskFilter struct {
	Type   TaskType   `json:"type,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}

// QueueStats counts tasks by status and type.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	DeadLetter int64 `json:"dead_letter"`

	ByType        map[TaskType]int64 `json:"by_type"`
	OldestPending *time.Time         `json:"oldest_pending,omitempty"`
}

// MarshalPayload is a helper to marshal a payload struct to JSON.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// UnmarshalPayload is a helper to unmarshal a JSON payload.
func UnmarshalPayload[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}

func (t *Task) clone() *Task {
	out := *t
	out.Payload = append(json.RawMessage(nil), t.Payload...)
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return &out
}

func (t *Task) finishedBefore(cutoff time.Time) bool {
	if t.Status != StatusCompleted && t.Status != StatusCancelled {
		return false
	}
	return t.CompletedAt != nil && t.CompletedAt.Before(cutoff)
}

func newStats() *QueueStats {
	return &QueueStats{ByType: make(map[TaskType]int64)}
}

func (s *QueueStats) add(task *Task) {
	switch task.Status {
	case StatusPending:
		s.Pending++
		if s.OldestPending == nil || task.ScheduledAt.Before(*s.OldestPending) {
			at := task.ScheduledAt
			s.OldestPending = &at
		}
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusDeadLetter:
		s.DeadLetter++
	}
	s.ByType[task.Type]++
}

// publish mirrors the counts into the queue depth gauge.
func (s *QueueStats) publish() {
	QueueDepth.WithLabelValues(string(StatusPending)).Set(float64(s.Pending))
	QueueDepth.WithLabelValues(string(StatusRunning)).Set(float64(s.Running))
	QueueDepth.WithLabelValues(string(StatusDeadLetter)).Set(float64(s.DeadLetter))
}
