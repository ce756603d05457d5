// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package gc

import (
	"github.com/LeeDigitalWorks/zapgate/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "gc",
		Name:      "runs_total",
		Help:      "Total number of sweeps",
	})

	// ChunksCollected counts registry entries removed by sweeps
	ChunksCollected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "gc",
		Name:      "chunks_collected_total",
		Help:      "Unreferenced chunks removed from the registry",
	})

	BytesReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "gc",
		Name:      "bytes_reclaimed_total",
		Help:      "Logical chunk bytes collected",
	})

	ReplicaDeletes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "gc",
		Name:      "replica_deletes_total",
		Help:      "Replica delete requests sent to agents",
	}, []string{"result"}) // result: deleted, kept, queued, error

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zapgate",
		Subsystem: "gc",
		Name:      "sweep_duration_seconds",
		Help:      "Time spent per sweep",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

func init() {
	debug.Registry().MustRegister(
		RunsTotal,
		ChunksCollected,
		BytesReclaimed,
		ReplicaDeletes,
		SweepDuration,
	)
}
