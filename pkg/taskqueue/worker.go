// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/utils"
)

// Worker polls the queue and executes tasks.
type Worker struct {
	id       string
	queue    Queue
	handlers map[TaskType]Handler

	pollInterval time.Duration
	concurrency  int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// WorkerConfig configures the task worker.
type WorkerConfig struct {
	ID           string
	Queue        Queue
	PollInterval time.Duration
	Concurrency  int
}

// NewWorker creates a new task worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Worker{
		id:           cfg.ID,
		queue:        cfg.Queue,
		handlers:     make(map[TaskType]Handler),
		pollInterval: cfg.PollInterval,
		concurrency:  cfg.Concurrency,
		stopCh:       make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a task type. Handlers must be
// registered before Start.
func (w *Worker) RegisterHandler(h Handler) {
	if h == nil {
		return
	}
	w.handlers[h.Type()] = h
	logger.Debug().
		Str("type", string(h.Type())).
		Msg("taskqueue: registered handler")
}

// Start begins processing tasks until Stop or ctx is done.
func (w *Worker) Start(ctx context.Context) {
	types := w.HandlerTypes()
	if len(types) == 0 {
		logger.Warn().Msg("taskqueue: worker started with no handlers")
		return
	}

	logger.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.concurrency).
		Int("handlers", len(types)).
		Msg("taskqueue: worker starting")

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.work(ctx, types)
	}
}

// Stop shuts the worker down and waits for in-flight tasks.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	logger.Info().Str("worker_id", w.id).Msg("taskqueue: worker stopped")
}

func (w *Worker) work(ctx context.Context, types []TaskType) {
	defer w.wg.Done()
	WorkerActive.Inc()
	defer WorkerActive.Dec()

	tick, stop := utils.JitteredTicker(w.pollInterval, 0.1)
	defer stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-tick:
			// Drain what is ready before waiting for the next tick.
			for w.processOne(ctx, types) {
				select {
				case <-w.stopCh:
					return
				default:
				}
			}
		}
	}
}

// RunOnce processes every task that is ready now and returns how many ran.
func (w *Worker) RunOnce(ctx context.Context) int {
	types := w.HandlerTypes()
	n := 0
	for w.processOne(ctx, types) {
		n++
	}
	return n
}

// processOne runs at most one task and reports whether it found one.
func (w *Worker) processOne(ctx context.Context, types []TaskType) bool {
	task, err := w.queue.Dequeue(ctx, w.id, types...)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
			DequeueErrors.Inc()
			logger.Error().Err(err).Msg("taskqueue: dequeue failed")
		}
		return false
	}
	if task == nil {
		return false
	}

	handler, ok := w.handlers[task.Type]
	if !ok {
		logger.Error().
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Msg("taskqueue: no handler for task type")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "no_handler").Inc()
		w.queue.Fail(ctx, task.ID, errors.New("no handler registered"))
		return true
	}

	logger.Debug().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Int("attempt", task.Attempts).
		Msg("taskqueue: processing task")

	start := time.Now()
	err = handler.Handle(ctx, task)
	TaskProcessingDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Warn().
			Err(err).
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Int("attempt", task.Attempts).
			Msg("taskqueue: task failed")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "failed").Inc()
		if ferr := w.queue.Fail(ctx, task.ID, err); ferr != nil {
			logger.Error().Err(ferr).Str("task_id", task.ID).Msg("taskqueue: failed to record failure")
		}
		return true
	}

	logger.Debug().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Msg("taskqueue: task completed")
	TasksProcessedTotal.WithLabelValues(string(task.Type), "completed").Inc()
	if cerr := w.queue.Complete(ctx, task.ID); cerr != nil {
		logger.Error().Err(cerr).Str("task_id", task.ID).Msg("taskqueue: failed to record completion")
	}
	return true
}

// Queue returns the underlying queue.
func (w *Worker) Queue() Queue {
	return w.queue
}

// HandlerTypes returns the task types this worker handles.
func (w *Worker) HandlerTypes() []TaskType {
	types := make([]TaskType, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	return types
}
