// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

var ErrInvalidMapping = errors.New("invalid object mapping")

// Fragment maps the object range [Offset, Offset+Size) onto a chunk.
// ChunkOffset is set when the fragment starts inside the chunk, as happens
// for small objects packed into a shared chunk.
type Fragment struct {
	Offset      uint64  `json:"offset"`
	Size        uint64  `json:"size"`
	ChunkID     ChunkID `json:"chunk_id"`
	ChunkOffset *uint64 `json:"chunk_offset,omitempty"`
}

// End returns the exclusive end offset of the fragment within the object.
func (f Fragment) End() uint64 {
	return f.Offset + f.Size
}

// InternalOffset returns where the fragment's bytes begin inside the chunk.
func (f Fragment) InternalOffset() uint64 {
	if f.ChunkOffset == nil {
		return 0
	}
	return *f.ChunkOffset
}

// ObjectMapping describes how an object's bytes are laid out across chunks.
type ObjectMapping struct {
	ID        uuid.UUID  `json:"id"`
	Account   string     `json:"account"`
	Bucket    string     `json:"bucket"`
	Key       string     `json:"key"`
	Size      uint64     `json:"size"`
	ETag      string     `json:"etag,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Fragments []Fragment `json:"fragments"`
}

// Validate checks the coverage invariant for the mapping's fragments.
func (m *ObjectMapping) Validate() error {
	if m.Bucket == "" || m.Key == "" {
		return fmt.Errorf("%w: bucket and key are required", ErrInvalidMapping)
	}
	return ValidateFragments(m.Size, m.Fragments)
}

// ValidateFragments checks that frags are sorted by offset, do not overlap,
// and together cover exactly [0, size).
func ValidateFragments(size uint64, frags []Fragment) error {
	var next uint64
	for i, f := range frags {
		if f.Size == 0 {
			return fmt.Errorf("%w: fragment %d is empty", ErrInvalidMapping, i)
		}
		if f.ChunkID == "" {
			return fmt.Errorf("%w: fragment %d has no chunk", ErrInvalidMapping, i)
		}
		if f.Offset != next {
			if f.Offset < next {
				return fmt.Errorf("%w: fragment %d at %d overlaps previous ending at %d", ErrInvalidMapping, i, f.Offset, next)
			}
			return fmt.Errorf("%w: gap [%d, %d) before fragment %d", ErrInvalidMapping, next, f.Offset, i)
		}
		next = f.End()
	}
	if next != size {
		return fmt.Errorf("%w: fragments cover %d of %d bytes", ErrInvalidMapping, next, size)
	}
	return nil
}

// Overlapping returns the fragments intersecting [start, end), located by
// binary search on offset.
func (m *ObjectMapping) Overlapping(start, end uint64) []Fragment {
	if start >= end || start >= m.Size {
		return nil
	}
	i := sort.Search(len(m.Fragments), func(i int) bool {
		return m.Fragments[i].End() > start
	})
	j := i
	for j < len(m.Fragments) && m.Fragments[j].Offset < end {
		j++
	}
	return m.Fragments[i:j]
}

// ChunkRefs returns one chunk id per fragment, in fragment order. A chunk
// referenced by several fragments appears several times.
func (m *ObjectMapping) ChunkRefs() []ChunkID {
	ids := make([]ChunkID, 0, len(m.Fragments))
	for _, f := range m.Fragments {
		ids = append(ids, f.ChunkID)
	}
	return ids
}

// Clone returns a deep copy.
func (m *ObjectMapping) Clone() *ObjectMapping {
	if m == nil {
		return nil
	}
	out := *m
	out.Fragments = make([]Fragment, len(m.Fragments))
	for i, f := range m.Fragments {
		if f.ChunkOffset != nil {
			off := *f.ChunkOffset
			f.ChunkOffset = &off
		}
		out.Fragments[i] = f
	}
	return &out
}

// NormalizeKey returns the NFC form of an object key so that visually
// identical keys map to the same (bucket, key) slot.
func NormalizeKey(key string) string {
	return norm.NFC.String(key)
}
