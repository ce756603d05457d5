// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package compression compresses chunk bytes at rest on a storage agent.
// Chunks are bounded in size, so every codec works on whole buffers.
package compression

// Algorithm represents a compression algorithm
type Algorithm string

const (
	// None indicates no compression
	None Algorithm = "none"
	// LZ4 uses the LZ4 frame format (fast, moderate ratio)
	LZ4 Algorithm = "lz4"
	// ZSTD uses Zstandard (balanced speed/ratio)
	ZSTD Algorithm = "zstd"
	// S2 uses klauspost's S2 block format (faster than Snappy, better ratio)
	S2 Algorithm = "s2"
)

// IsValid returns true if the algorithm is recognized
func (a Algorithm) IsValid() bool {
	switch a {
	case None, LZ4, ZSTD, S2:
		return true
	default:
		return false
	}
}

func (a Algorithm) String() string {
	return string(a)
}

// ParseAlgorithm parses a string into an Algorithm.
// Returns None for empty or unrecognized strings.
func ParseAlgorithm(s string) Algorithm {
	algo := Algorithm(s)
	if algo.IsValid() {
		return algo
	}
	return None
}
