// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package mapping

import (
	"bytes"
	"errors"
	"io"

	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

// Chunker decides where an object's bytes are cut into chunks.
type Chunker interface {
	Split(r io.Reader) Splitter
}

// Splitter yields consecutive chunks of a stream and io.EOF after the last.
// Every chunk it returns is non-empty.
type Splitter interface {
	Next() ([]byte, error)
}

// FixedChunker cuts every Size bytes; the final chunk may be shorter.
type FixedChunker struct {
	Size uint64
}

func (c FixedChunker) Split(r io.Reader) Splitter {
	size := c.Size
	if size == 0 {
		size = types.DefaultChunkSize
	}
	return &fixedSplitter{r: r, size: int64(size)}
}

type fixedSplitter struct {
	r    io.Reader
	size int64
	done bool
}

func (s *fixedSplitter) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	// The buffer grows with the data so small objects stay small.
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, s.r, s.size)
	switch {
	case errors.Is(err, io.EOF):
		s.done = true
	case err != nil:
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	return buf.Bytes(), nil
}
