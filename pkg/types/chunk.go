// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/utils"
)

// DefaultChunkSize is the fixed chunk size used by the default chunker (4MB)
const DefaultChunkSize = 4 * 1024 * 1024

// MaxChunkSize keeps a whole chunk plus framing under the RPC frame limit.
const MaxChunkSize = 32 * 1024 * 1024

// ChunkID uniquely identifies a chunk by its content hash
type ChunkID string

// ChunkIDFromBytes computes a ChunkID from data content
func ChunkIDFromBytes(data []byte) ChunkID {
	h := utils.Sha256PoolGetHasher()
	h.Write(data)
	sum := h.Sum(nil)
	utils.Sha256PoolPutHasher(h)
	return ChunkID(hex.EncodeToString(sum))
}

func (c ChunkID) String() string {
	return string(c)
}

// Validate checks that the id is a hex encoded sha256 digest.
func (c ChunkID) Validate() error {
	if len(c) != 64 {
		return fmt.Errorf("invalid chunk id %q: want 64 hex characters", string(c))
	}
	if _, err := hex.DecodeString(string(c)); err != nil {
		return fmt.Errorf("invalid chunk id %q: %w", string(c), err)
	}
	return nil
}

// FullPath returns the full filesystem path for this chunk
func (c ChunkID) FullPath(base string) string {
	return filepath.Join(base, c.SubDirs(), c.String())
}

// SubDirs returns the two-level shard directory for this chunk, e.g. "ab/cd".
func (c ChunkID) SubDirs() string {
	s := c.String()
	switch {
	case len(s) >= 4:
		return filepath.Join(s[0:2], s[2:4])
	case len(s) > 2:
		return filepath.Join(s[0:2], s[2:])
	default:
		return s
	}
}

// Replica is one physical copy of a chunk held by a storage agent.
type Replica struct {
	AgentAddr string `json:"agent"`
	Handle    string `json:"handle"`
}

// ChunkInfo is the metadata store's view of a chunk.
// RefCount counts fragment references across all live mappings.
type ChunkInfo struct {
	ID           ChunkID   `json:"id"`
	Size         uint64    `json:"size"`
	RefCount     int64     `json:"ref_count"`
	Replicas     []Replica `json:"replicas,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ZeroRefSince time.Time `json:"zero_ref_since,omitempty"`
}

// HasReplica reports whether addr already holds a copy of the chunk.
func (c *ChunkInfo) HasReplica(addr string) bool {
	for _, r := range c.Replicas {
		if r.AgentAddr == addr {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (c *ChunkInfo) Clone() *ChunkInfo {
	if c == nil {
		return nil
	}
	out := *c
	out.Replicas = append([]Replica(nil), c.Replicas...)
	return &out
}
