// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface verification
var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue keeps tasks in process memory. Tasks are lost on restart.
type MemoryQueue struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	policy RetryPolicy
	closed bool
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks:  make(map[string]*Task),
		policy: DefaultRetryPolicy(),
	}
}

// SetRetryPolicy changes the backoff applied by Fail.
func (q *MemoryQueue) SetRetryPolicy(p RetryPolicy) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.policy = p
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	prepare(task, time.Now(), uuid.NewString)
	q.tasks[task.ID] = task
	TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	now := time.Now()
	var best *Task
	for _, task := range q.tasks {
		if task.Status != StatusPending || task.readyAt().After(now) {
			continue
		}
		if !matchesType(task.Type, taskTypes) {
			continue
		}
		// Highest priority, oldest first
		if best == nil || task.Priority > best.Priority ||
			(task.Priority == best.Priority && task.ScheduledAt.Before(best.ScheduledAt)) {
			best = task
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = StatusRunning
	best.WorkerID = workerID
	startTime := now
	best.StartedAt = &startTime
	best.UpdatedAt = now
	return best.clone(), nil
}

func (q *MemoryQueue) Complete(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	now := time.Now()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, taskID string, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	fail(task, err, q.policy, time.Now())
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	now := time.Now()
	task.Status = StatusCancelled
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.clone(), nil
}

func (q *MemoryQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result []*Task
	for _, task := range q.tasks {
		if filter.Type != "" && task.Type != filter.Type {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		result = append(result, task.clone())
	}
	return page(result, filter), nil
}

// page orders tasks by creation and applies the filter's offset and limit.
func page(tasks []*Task, filter TaskFilter) []*Task {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(tasks) {
		tasks = tasks[:filter.Limit]
	}
	return tasks
}

func (q *MemoryQueue) Stats(ctx context.Context) (*QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := newStats()
	for _, task := range q.tasks {
		stats.add(task)
	}
	stats.publish()
	return stats, nil
}

func (q *MemoryQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for id, task := range q.tasks {
		if task.finishedBefore(cutoff) {
			delete(q.tasks, id)
			count++
		}
	}
	return count, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
