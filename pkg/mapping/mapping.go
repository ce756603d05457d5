// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package mapping turns object bytes into chunk replicas and back.
//
// The Builder splits an object into content-addressed chunks, stores each
// chunk on enough agents, and commits the object's mapping only once every
// fragment is durable. The Reader resolves a byte range through the mapping
// and fetches fragments from any live replica. The Deleter removes mappings
// and releases their chunk references.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/metadata/db"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

var (
	ErrMappingNotFound    = db.ErrMappingNotFound
	ErrReplicaUnavailable = errors.New("no replica of the chunk could be read")
	ErrPlacementFailed    = errors.New("chunk placement failed")
	ErrInvalidRange       = errors.New("invalid range")
	ErrSizeMismatch       = errors.New("body size does not match declared size")
	ErrTooLargeToPack     = errors.New("object too large to pack")
	ErrInvalidRequest     = errors.New("invalid write request")
)

// ChunkClient moves chunk bytes to and from agents.
type ChunkClient interface {
	StoreChunk(ctx context.Context, addr string, id types.ChunkID, data []byte) (types.Replica, error)
	ReadChunk(ctx context.Context, addr string, id types.ChunkID, offset, length uint64) ([]byte, error)
}

// Config tunes placement and chunking.
type Config struct {
	// Replicas is how many agents each new chunk is stored on
	Replicas int `mapstructure:"replicas"`
	// Quorum is how many acknowledgements make a chunk durable
	Quorum int `mapstructure:"quorum"`
	// MaxAttempts bounds the placement rounds per chunk
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryMax    time.Duration `mapstructure:"retry_max"`

	ChunkSize     uint64 `mapstructure:"chunk_size"`
	PackThreshold uint64 `mapstructure:"pack_threshold"`
}

const (
	DefaultReplicas      = 3
	DefaultMaxAttempts   = 3
	DefaultRetryBase     = 50 * time.Millisecond
	DefaultRetryMax      = 2 * time.Second
	DefaultPackThreshold = 64 * 1024
)

func DefaultConfig() Config {
	return Config{
		Replicas:      DefaultReplicas,
		Quorum:        DefaultReplicas/2 + 1,
		MaxAttempts:   DefaultMaxAttempts,
		RetryBase:     DefaultRetryBase,
		RetryMax:      DefaultRetryMax,
		ChunkSize:     types.DefaultChunkSize,
		PackThreshold: DefaultPackThreshold,
	}
}

// normalize fills zero fields with defaults, clamps Quorum to
// [1, Replicas] and ChunkSize to types.MaxChunkSize.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Replicas <= 0 {
		c.Replicas = d.Replicas
	}
	if c.Quorum <= 0 {
		c.Quorum = c.Replicas/2 + 1
	}
	c.Quorum = min(c.Quorum, c.Replicas)
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = max(c.RetryBase, d.RetryMax)
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	c.ChunkSize = min(c.ChunkSize, types.MaxChunkSize)
	if c.PackThreshold == 0 {
		c.PackThreshold = d.PackThreshold
	}
	return c
}

// Range is the half-open byte range [Start, End) of an object.
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) Len() uint64 { return r.End - r.Start }

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// resolve validates rng against an object of the given size. A nil range
// selects the whole object.
func resolve(rng *Range, size uint64) (Range, error) {
	if rng == nil {
		return Range{End: size}, nil
	}
	if rng.Start > rng.End || rng.End > size {
		return Range{}, fmt.Errorf("%w: %s of %d bytes", ErrInvalidRange, rng, size)
	}
	return *rng, nil
}
