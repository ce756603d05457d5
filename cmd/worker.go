// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/agent/client"
	"github.com/LeeDigitalWorks/zapgate/pkg/debug"
	"github.com/LeeDigitalWorks/zapgate/pkg/gc"
	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapgate/pkg/taskqueue/handlers"
	"github.com/LeeDigitalWorks/zapgate/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the chunk garbage collector and retry worker",
	Long: `Run the background worker: it sweeps chunks no object references
any more, deletes their replicas from agents, and retries reference
releases and replica deletes that failed earlier.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	f := workerCmd.Flags()
	addClusterFlags(f)
	f.String("debug_addr", "0.0.0.0:7420", "Debug/metrics HTTP address (empty disables)")
	f.Duration("gc_interval", gc.DefaultInterval, "How often to sweep unreferenced chunks")
	f.Duration("gc_grace", gc.DefaultGracePeriod, "How long a chunk stays unreferenced before it is collected")
	f.Int("gc_batch_size", gc.DefaultBatchSize, "Chunks examined per registry query")
	f.Int("task_concurrency", taskqueue.DefaultConcurrency, "Concurrent retry tasks")
	f.Duration("task_poll_interval", taskqueue.DefaultPollInterval, "How often idle workers poll for tasks")
	f.Duration("task_retention", 24*time.Hour, "How long finished tasks are kept")

	viper.BindPFlags(f)
}

func runWorker(cmd *cobra.Command, args []string) error {
	utils.LoadConfiguration("zapgate", false)
	opts, err := loadClusterOpts(cmd)
	if err != nil {
		return err
	}
	f := NewFlagLoader(cmd)

	debug.SetNotReady()
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	store, err := openStore(ctx, opts.Metadata)
	if err != nil {
		return err
	}
	defer store.Close()

	pool, err := newPool(opts, "worker")
	if err != nil {
		return err
	}
	defer pool.Close()
	agents := client.New(pool, 0)

	queue := openQueue(store)
	defer queue.Close()

	worker := taskqueue.NewWorker(taskqueue.WorkerConfig{
		ID:           nodeID(opts.NodeID),
		Queue:        queue,
		PollInterval: f.Duration("task_poll_interval"),
		Concurrency:  f.Int("task_concurrency"),
	})
	handlers.Register(worker, store, agents)
	worker.Start(ctx)
	defer worker.Stop()

	sweeper := gc.New(store, agents, queue, gc.Config{
		Interval:  f.Duration("gc_interval"),
		Grace:     f.Duration("gc_grace"),
		BatchSize: f.Int("gc_batch_size"),
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if addr := f.String("debug_addr"); addr != "" {
		go func() {
			if err := debug.Serve(ctx, addr); err != nil {
				logger.Error().Err(err).Msg("debug server stopped")
			}
		}()
	}

	retention := f.Duration("task_retention")
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n, err := queue.Cleanup(ctx, retention); err != nil {
					logger.Warn().Err(err).Msg("task cleanup failed")
				} else if n > 0 {
					logger.Info().Int("removed", n).Msg("removed finished tasks")
				}
			}
		}
	}()

	logger.Info().
		Str("metadata", string(opts.Metadata.Driver)).
		Dur("gc_interval", f.Duration("gc_interval")).
		Dur("gc_grace", f.Duration("gc_grace")).
		Msg("worker running")
	debug.SetReady()

	<-ctx.Done()
	debug.SetNotReady()
	logger.Info().Msg("worker stopping")
	return nil
}
