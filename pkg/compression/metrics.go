// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"github.com/LeeDigitalWorks/zapgate/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	factory = promauto.With(debug.Registry())

	compressionRatio = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zapgate",
			Subsystem: "compression",
			Name:      "ratio",
			Help:      "Compression ratio (original_size / compressed_size)",
			Buckets:   []float64{1.0, 1.25, 1.5, 2.0, 3.0, 4.0, 5.0, 10.0},
		},
		[]string{"algorithm"},
	)

	compressionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zapgate",
			Subsystem: "compression",
			Name:      "duration_seconds",
			Help:      "Time spent compressing/decompressing data",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"algorithm", "operation"},
	)

	compressionBytes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zapgate",
			Subsystem: "compression",
			Name:      "bytes_total",
			Help:      "Bytes through the codecs by direction (in = original, out = encoded)",
		},
		[]string{"algorithm", "operation", "direction"},
	)

	compressionSkipped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zapgate",
			Subsystem: "compression",
			Name:      "skipped_total",
			Help:      "Chunks stored uncompressed because compression saved no space",
		},
		[]string{"algorithm"},
	)
)

// RecordCompression records metrics for a compression operation
func RecordCompression(algo Algorithm, originalSize, compressedSize int, skipped bool) {
	a := algo.String()
	if skipped {
		compressionSkipped.WithLabelValues(a).Inc()
		return
	}
	compressionBytes.WithLabelValues(a, "compress", "in").Add(float64(originalSize))
	compressionBytes.WithLabelValues(a, "compress", "out").Add(float64(compressedSize))
	compressionRatio.WithLabelValues(a).Observe(CompressionRatio(originalSize, compressedSize))
}

// RecordDecompression records metrics for a decompression operation
func RecordDecompression(algo Algorithm, compressedSize, originalSize int) {
	a := algo.String()
	compressionBytes.WithLabelValues(a, "decompress", "in").Add(float64(compressedSize))
	compressionBytes.WithLabelValues(a, "decompress", "out").Add(float64(originalSize))
}
