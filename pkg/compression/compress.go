// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package compression

import (
	"fmt"
	"time"
)

type codec struct {
	compress   func([]byte) ([]byte, error)
	decompress func([]byte) ([]byte, error)
}

var codecs = map[Algorithm]codec{
	LZ4:  {compressLZ4, decompressLZ4},
	ZSTD: {compressZSTD, decompressZSTD},
	S2:   {compressS2, decompressS2},
}

// Compress compresses data using the specified algorithm.
// Returns the original data unchanged if algo is None or empty.
func Compress(algo Algorithm, data []byte) ([]byte, error) {
	c, ok := codecs[algo]
	if !ok {
		if algo == None || algo == "" {
			return data, nil
		}
		return nil, fmt.Errorf("unknown compression algorithm %q", algo)
	}
	start := time.Now()
	out, err := c.compress(data)
	compressionDuration.WithLabelValues(algo.String(), "compress").Observe(time.Since(start).Seconds())
	return out, err
}

// Decompress reverses Compress.
func Decompress(algo Algorithm, data []byte) ([]byte, error) {
	c, ok := codecs[algo]
	if !ok {
		if algo == None || algo == "" {
			return data, nil
		}
		return nil, fmt.Errorf("unknown compression algorithm %q", algo)
	}
	start := time.Now()
	out, err := c.decompress(data)
	compressionDuration.WithLabelValues(algo.String(), "decompress").Observe(time.Since(start).Seconds())
	if err == nil {
		RecordDecompression(algo, len(data), len(out))
	}
	return out, err
}

// CompressIfBeneficial compresses data and returns the compressed version
// only if it's smaller than the original. Otherwise returns the original data
// and None algorithm.
func CompressIfBeneficial(algo Algorithm, data []byte) ([]byte, Algorithm, error) {
	if algo == None || algo == "" {
		return data, None, nil
	}

	compressed, err := Compress(algo, data)
	if err != nil {
		return nil, None, err
	}

	if len(compressed) >= len(data) {
		RecordCompression(algo, len(data), len(compressed), true)
		return data, None, nil
	}
	RecordCompression(algo, len(data), len(compressed), false)
	return compressed, algo, nil
}

// CompressionRatio calculates the compression ratio (original / compressed).
// Returns 1.0 if compressed size is zero or larger than original.
func CompressionRatio(originalSize, compressedSize int) float64 {
	if compressedSize <= 0 || compressedSize >= originalSize {
		return 1.0
	}
	return float64(originalSize) / float64(compressedSize)
}
