// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package mapping

import (
	"github.com/LeeDigitalWorks/zapgate/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BytesWritten tracks object bytes committed by the builder
	BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "mapping",
		Name:      "bytes_written_total",
		Help:      "Object bytes committed",
	})

	// BytesRead tracks object bytes returned by the reader
	BytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "mapping",
		Name:      "bytes_read_total",
		Help:      "Object bytes read",
	})

	// Operations tracks builder, reader and deleter calls by result
	Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "mapping",
		Name:      "operations_total",
		Help:      "Mapping operations by type and result",
	}, []string{"operation", "result"})

	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zapgate",
		Subsystem: "mapping",
		Name:      "operation_duration_seconds",
		Help:      "Mapping operation latency",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"operation"})

	// DedupHits counts chunks that were already stored and not rewritten
	DedupHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "mapping",
		Name:      "dedup_hits_total",
		Help:      "Chunks referenced without a physical write",
	})

	ChunksPlaced = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "mapping",
		Name:      "chunks_placed_total",
		Help:      "Chunks written to agents",
	})

	PlacementRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "mapping",
		Name:      "placement_retries_total",
		Help:      "Extra placement rounds after failed replica writes",
	})

	ReplicaFailovers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "mapping",
		Name:      "replica_failovers_total",
		Help:      "Reads that moved on to another replica",
	})

	// ChunksReleased counts chunks whose last reference was dropped
	ChunksReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "mapping",
		Name:      "chunks_released_total",
		Help:      "Chunks left unreferenced, awaiting collection",
	})
)

func init() {
	debug.Registry().MustRegister(
		BytesWritten,
		BytesRead,
		Operations,
		OperationDuration,
		DedupHits,
		ChunksPlaced,
		PlacementRetries,
		ReplicaFailovers,
		ChunksReleased,
	)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
