// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Compile-time interface verification
var _ Queue = (*RedisQueue)(nil)

// dequeueScan bounds how many ready tasks per type are considered when
// picking the highest priority one.
const dequeueScan = 16

// RedisQueue stores tasks in Redis so they survive restarts and are shared
// by every process pointing at the same server.
//
// Layout under the prefix:
//
//	task:<id>      JSON encoded task
//	tasks          set of all task ids
//	ready:<type>   sorted set of pending task ids scored by ready time (ms)
//
// A worker claims a task by removing it from its ready set; ZREM succeeds
// for exactly one claimant.
type RedisQueue struct {
	client *redis.Client
	prefix string
	policy RetryPolicy
	closed atomic.Bool
}

// NewRedisQueue creates a queue over client. The client stays owned by the
// caller; Close does not close it.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{client: client, prefix: prefix + "tq:", policy: DefaultRetryPolicy()}
}

// SetRetryPolicy changes the backoff applied by Fail.
func (q *RedisQueue) SetRetryPolicy(p RetryPolicy) {
	q.policy = p
}

func (q *RedisQueue) taskKey(id string) string { return q.prefix + "task:" + id }
func (q *RedisQueue) allKey() string { return q.prefix + "tasks" }
func (q *RedisQueue) readyKey(t TaskType) string { return q.prefix + "ready:" + string(t) }
func score(t time.Time) float64 { return float64(t.UnixMilli()) }
func scoreMax(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	prepare(task, time.Now(), uuid.NewString)
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, q.taskKey(task.ID), raw, 0)
		p.SAdd(ctx, q.allKey(), task.ID)
		if task.Status == StatusPending {
			p.ZAdd(ctx, q.readyKey(task.Type), redis.Z{Score: score(task.readyAt()), Member: task.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	if len(taskTypes) == 0 {
		var err error
		if taskTypes, err = q.readyTypes(ctx); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	var candidates []*Task
	for _, t := range taskTypes {
		ids, err := q.client.ZRangeByScore(ctx, q.readyKey(t), &redis.ZRangeBy{
			Min: "-inf", Max: scoreMax(now), Count: dequeueScan,
		}).Result()
		if err != nil {
			return nil, err
		}
		tasks, err := q.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, tasks...)
	}

	for len(candidates) > 0 {
		best := 0
		for i, task := range candidates {
			b := candidates[best]
			if task.Priority > b.Priority || (task.Priority == b.Priority && task.ScheduledAt.Before(b.ScheduledAt)) {
				best = i
			}
		}
		task := candidates[best]
		candidates = append(candidates[:best], candidates[best+1:]...)

		claimed, err := q.client.ZRem(ctx, q.readyKey(task.Type), task.ID).Result()
		if err != nil {
			return nil, err
		}
		if claimed == 0 {
			continue // another worker got it
		}

		task.Status = StatusRunning
		task.WorkerID = workerID
		startTime := now
		task.StartedAt = &startTime
		task.UpdatedAt = now
		if err := q.save(ctx, task); err != nil {
			return nil, err
		}
		return task, nil
	}
	return nil, nil
}

// readyTypes lists the task types that have a ready set.
func (q *RedisQueue) readyTypes(ctx context.Context) ([]TaskType, error) {
	var out []TaskType
	iter := q.client.Scan(ctx, 0, q.prefix+"ready:*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, TaskType(iter.Val()[len(q.prefix+"ready:"):]))
	}
	return out, iter.Err()
}

func (q *RedisQueue) load(ctx context.Context, ids []string) ([]*Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.taskKey(id)
	}
	vals, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // removed by Cleanup
		}
		var task Task
		if err := json.Unmarshal([]byte(s), &task); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", ids[i], err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

func (q *RedisQueue) save(ctx context.Context, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.taskKey(task.ID), raw, 0).Err()
}

func (q *RedisQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	raw, err := q.client.Get(ctx, q.taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &task, nil
}

func (q *RedisQueue) Complete(ctx context.Context, taskID string) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.UpdatedAt = now
	return q.save(ctx, task)
}

func (q *RedisQueue) Fail(ctx context.Context, taskID string, cause error) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	fail(task, cause, q.policy, time.Now())
	if err := q.save(ctx, task); err != nil {
		return err
	}
	if task.Status == StatusPending {
		return q.client.ZAdd(ctx, q.readyKey(task.Type), redis.Z{Score: score(task.readyAt()), Member: task.ID}).Err()
	}
	return nil
}

func (q *RedisQueue) Cancel(ctx context.Context, taskID string) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now()
	task.Status = StatusCancelled
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := q.client.ZRem(ctx, q.readyKey(task.Type), task.ID).Err(); err != nil {
		return err
	}
	return q.save(ctx, task)
}

func (q *RedisQueue) all(ctx context.Context) ([]*Task, error) {
	ids, err := q.client.SMembers(ctx, q.allKey()).Result()
	if err != nil {
		return nil, err
	}
	return q.load(ctx, ids)
}

func (q *RedisQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	tasks, err := q.all(ctx)
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, task := range tasks {
		if filter.Type != "" && task.Type != filter.Type {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, task)
	}
	return page(out, filter), nil
}

func (q *RedisQueue) Stats(ctx context.Context) (*QueueStats, error) {
	tasks, err := q.all(ctx)
	if err != nil {
		return nil, err
	}
	stats := newStats()
	for _, task := range tasks {
		stats.add(task)
	}
	stats.publish()
	return stats, nil
}

func (q *RedisQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	tasks, err := q.all(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	count := 0
	for _, task := range tasks {
		if !task.finishedBefore(cutoff) {
			continue
		}
		_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, q.taskKey(task.ID))
			p.SRem(ctx, q.allKey(), task.ID)
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
