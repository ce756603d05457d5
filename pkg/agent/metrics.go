// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"github.com/LeeDigitalWorks/zapgate/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ChunkTotalCount tracks the chunks held by this agent
	ChunkTotalCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zapgate",
		Subsystem: "agent",
		Name:      "chunks",
		Help:      "Chunks held by this agent",
	})

	// ChunkTotalBytes tracks the backend bytes used by held chunks
	ChunkTotalBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zapgate",
		Subsystem: "agent",
		Name:      "chunk_bytes",
		Help:      "Backend bytes used by held chunks",
	})

	// ChunkOperations tracks chunk operations by type and result
	ChunkOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "agent",
		Name:      "chunk_operations_total",
		Help:      "Chunk operations served",
	}, []string{"operation", "result"}) // result: ok, exists, not_found, corrupt, error

	ChunkBytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "agent",
		Name:      "bytes_stored_total",
		Help:      "Chunk bytes received for storage",
	})

	ChunkBytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "agent",
		Name:      "bytes_served_total",
		Help:      "Chunk bytes returned to readers",
	})
)

func init() {
	debug.Registry().MustRegister(
		ChunkTotalCount,
		ChunkTotalBytes,
		ChunkOperations,
		ChunkBytesIn,
		ChunkBytesOut,
	)
}
