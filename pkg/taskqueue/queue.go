// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/utils"
)

// Common errors
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrQueueClosed    = errors.New("task queue is closed")
	ErrInvalidPayload = errors.New("invalid task payload")
)

// Queue defines the interface for task queue operations.
type Queue interface {
	// Enqueue adds a task to the queue.
	Enqueue(ctx context.Context, task *Task) error

	// Dequeue claims the next ready task of one of taskTypes (any type when
	// none are given). Returns nil if no tasks are ready.
	Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error)

	// Complete marks a task as successfully completed.
	Complete(ctx context.Context, taskID string) error

	// Fail records a failed attempt. The task is retried after a backoff
	// until MaxRetries attempts have failed, then dead-lettered.
	Fail(ctx context.Context, taskID string, err error) error

	// Cancel marks a task as cancelled.
	Cancel(ctx context.Context, taskID string) error

	// Get retrieves a task by ID.
	Get(ctx context.Context, taskID string) (*Task, error)

	// List returns tasks matching the filter.
	List(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*QueueStats, error)

	// Cleanup removes completed and cancelled tasks finished before
	// olderThan ago.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Close shuts down the queue.
	Close() error
}

// Handler processes tasks of a specific type.
type Handler interface {
	// Type returns the task type this handler processes.
	Type() TaskType

	// Handle processes the task and returns an error if it failed.
	Handle(ctx context.Context, task *Task) error
}

// RetryPolicy spaces out the attempts of a failing task.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryPolicy doubles from one second up to five minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: DefaultRetryBase, Max: DefaultRetryMax}
}

// delay returns the wait before the next attempt after attempts failures.
func (p RetryPolicy) delay(attempts int) time.Duration {
	if p.Base <= 0 {
		p.Base = DefaultRetryBase
	}
	if p.Max < p.Base {
		p.Max = max(p.Base, DefaultRetryMax)
	}
	return utils.Backoff(attempts-1, p.Base, p.Max)
}

// prepare fills the defaults of a task about to be enqueued.
func prepare(task *Task, now time.Time, newID func() string) {
	if task.ID == "" {
		task.ID = newID()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = DefaultMaxRetries
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
}

// fail applies one failed attempt to task.
func fail(task *Task, err error, policy RetryPolicy, now time.Time) {
	task.Attempts++
	task.LastError = err.Error()
	task.UpdatedAt = now
	task.WorkerID = ""

	if task.Attempts >= task.MaxRetries {
		task.Status = StatusDeadLetter
		return
	}
	task.Status = StatusPending
	task.RetryAfter = now.Add(policy.delay(task.Attempts))
	TaskRetries.WithLabelValues(string(task.Type)).Inc()
}

func matchesType(t TaskType, types []TaskType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
