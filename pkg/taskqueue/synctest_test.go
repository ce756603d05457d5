// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// synctestHandler implements Handler for synctest tests.
type synctestHandler struct {
	taskType TaskType
	handleFn func(ctx context.Context, task *Task) error
}

func (h *synctestHandler) Type() TaskType {
	return h.taskType
}

func (h *synctestHandler) Handle(ctx context.Context, task *Task) error {
	if h.handleFn != nil {
		return h.handleFn(ctx, task)
	}
	return nil
}

func TestMemoryQueue_Enqueue_Synctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewMemoryQueue()
		ctx := context.Background()

		// Synctest starts at 2000-01-01 00:00:00 UTC
		now := time.Now().UTC()
		assert.Equal(t, 2000, now.Year())

		task := &Task{Type: TaskTypeChunkDecrement, Payload: []byte(`{}`)}
		require.NoError(t, q.Enqueue(ctx, task))

		assert.NotEmpty(t, task.ID)
		assert.Equal(t, StatusPending, task.Status)
		assert.Equal(t, DefaultMaxRetries, task.MaxRetries)
		assert.True(t, now.Equal(task.CreatedAt))
		assert.True(t, now.Equal(task.ScheduledAt))
	})
}

func TestMemoryQueue_ScheduledTask_Synctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewMemoryQueue()
		ctx := context.Background()

		_ = q.Enqueue(ctx, &Task{Type: TaskTypeChunkDelete, ScheduledAt: time.Now().Add(time.Hour)})

		dequeued, _ := q.Dequeue(ctx, "worker-1")
		assert.Nil(t, dequeued, "task should not be dequeued before scheduled time")

		time.Sleep(61 * time.Minute)
		dequeued, _ = q.Dequeue(ctx, "worker-1")
		assert.NotNil(t, dequeued, "task should now be dequeued")
	})
}

func TestMemoryQueue_RetryBackoff_Synctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewMemoryQueue()
		ctx := context.Background()

		_ = q.Enqueue(ctx, &Task{Type: TaskTypeChunkDelete, MaxRetries: 3})

		dequeued, _ := q.Dequeue(ctx, "worker-1")
		require.NotNil(t, dequeued)
		require.NoError(t, q.Fail(ctx, dequeued.ID, assert.AnError))

		// First backoff is 1s plus up to 20% jitter
		dequeued, _ = q.Dequeue(ctx, "worker-1")
		assert.Nil(t, dequeued, "task should be in backoff")

		time.Sleep(1300 * time.Millisecond)
		dequeued, _ = q.Dequeue(ctx, "worker-1")
		require.NotNil(t, dequeued, "task should be available after backoff")
		require.NoError(t, q.Fail(ctx, dequeued.ID, assert.AnError))

		// Second backoff is 2s
		time.Sleep(1500 * time.Millisecond)
		dequeued, _ = q.Dequeue(ctx, "worker-1")
		assert.Nil(t, dequeued, "task should still be in backoff")

		time.Sleep(time.Second)
		dequeued, _ = q.Dequeue(ctx, "worker-1")
		require.NotNil(t, dequeued)

		// Third failure exhausts MaxRetries
		require.NoError(t, q.Fail(ctx, dequeued.ID, assert.AnError))
		got, err := q.Get(ctx, dequeued.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDeadLetter, got.Status)
		assert.Equal(t, 3, got.Attempts)
		assert.Equal(t, assert.AnError.Error(), got.LastError)

		time.Sleep(time.Hour)
		dequeued, _ = q.Dequeue(ctx, "worker-1")
		assert.Nil(t, dequeued, "dead letters are never retried")
	})
}

func TestMemoryQueue_Cleanup_Synctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewMemoryQueue()
		ctx := context.Background()

		_ = q.Enqueue(ctx, &Task{Type: TaskTypeChunkDecrement})
		dequeued, _ := q.Dequeue(ctx, "worker-1")
		require.NoError(t, q.Complete(ctx, dequeued.ID))

		count, _ := q.Cleanup(ctx, time.Hour)
		assert.Equal(t, 0, count)

		time.Sleep(2 * time.Hour)
		count, _ = q.Cleanup(ctx, time.Hour)
		assert.Equal(t, 1, count)

		stats, _ := q.Stats(ctx)
		assert.Equal(t, int64(0), stats.Completed)
	})
}

func TestWorker_ProcessTask_Synctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewMemoryQueue()
		var processed atomic.Bool

		w := NewWorker(WorkerConfig{
			Queue:        q,
			Concurrency:  1,
			PollInterval: 100 * time.Millisecond,
		})
		w.RegisterHandler(&synctestHandler{
			taskType: TaskTypeChunkDelete,
			handleFn: func(ctx context.Context, task *Task) error {
				processed.Store(true)
				return nil
			},
		})

		_ = q.Enqueue(context.Background(), &Task{Type: TaskTypeChunkDelete})

		ctx, cancel := context.WithCancel(context.Background())
		w.Start(ctx)

		time.Sleep(200 * time.Millisecond)
		synctest.Wait()
		assert.True(t, processed.Load(), "task should have been processed")

		cancel()
		w.Stop()
	})
}

func TestWorker_RetriesUntilSuccess_Synctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		q := NewMemoryQueue()
		var calls atomic.Int32

		w := NewWorker(WorkerConfig{Queue: q, Concurrency: 2, PollInterval: 50 * time.Millisecond})
		w.RegisterHandler(&synctestHandler{
			taskType: TaskTypeChunkDecrement,
			handleFn: func(ctx context.Context, task *Task) error {
				if calls.Add(1) < 3 {
					return assert.AnError
				}
				return nil
			},
		})

		task := &Task{Type: TaskTypeChunkDecrement}
		_ = q.Enqueue(context.Background(), task)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		w.Start(ctx)

		// Two failures back off about 1s then 2s
		time.Sleep(5 * time.Second)
		synctest.Wait()

		assert.Equal(t, int32(3), calls.Load())
		got, err := q.Get(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, 2, got.Attempts)

		w.Stop()
	})
}
