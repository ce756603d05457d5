// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package index is an agent's local record of the chunks it holds.
package index

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("index: key not found")

type Kind string

const (
	KindMemory  Kind = "memory"
	KindLevelDB Kind = "leveldb"
)

type Indexer[K comparable, V any] interface {
	io.Closer
	Put(key K, value V) error
	Get(key K) (V, error)
	Delete(key K) error
	Iterate(func(key K, value V) error) error

	// Destroy removes the underlying idx file
	Destroy() error

	// Sync forces buffered writes to disk
	Sync() error

	// PutSync writes with immediate fsync (slower but durable)
	PutSync(key K, value V) error

	// DeleteSync deletes with immediate fsync (slower but durable)
	DeleteSync(key K) error
}

// ChunkIndex maps chunk ids to the agent's stored-chunk records.
type ChunkIndex = Indexer[types.ChunkID, types.StoredChunk]

// OpenChunkIndex opens a chunk index of the given kind. The leveldb kind
// keeps its files under dir/chunks.idx.
func OpenChunkIndex(kind Kind, dir string) (ChunkIndex, error) {
	switch kind {
	case KindMemory, "":
		return NewMemoryIndexer[types.ChunkID, types.StoredChunk]()
	case KindLevelDB:
		if dir == "" {
			return nil, errors.New("leveldb index requires a directory")
		}
		return NewLevelDBIndexer[types.ChunkID, types.StoredChunk](
			filepath.Join(dir, "chunks.idx"),
			nil,
			func(id types.ChunkID) []byte { return []byte(id) },
			func(b []byte) (types.ChunkID, error) { return types.ChunkID(b), nil },
		)
	default:
		return nil, fmt.Errorf("unknown index kind %q", kind)
	}
}
