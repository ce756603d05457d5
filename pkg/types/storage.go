// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"context"
	"io"
)

// StorageType identifies the backend storage implementation
type StorageType string

const (
	StorageTypeMemory StorageType = "memory"
	StorageTypeLocal  StorageType = "local"
	StorageTypeS3     StorageType = "s3"
)

// BackendStorage is where an agent keeps chunk bytes.
type BackendStorage interface {
	Type() StorageType

	// Write stores data under key, replacing anything already there
	Write(ctx context.Context, key string, data io.Reader, size int64) error

	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// ReadRange reads length bytes starting at offset. A non-positive
	// length reads to the end.
	ReadRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	Size(ctx context.Context, key string) (int64, error)

	Close() error
}

// BackendConfig contains configuration for creating a backend storage instance
type BackendConfig struct {
	Type      StorageType       `json:"type" mapstructure:"type"`
	Endpoint  string            `json:"endpoint,omitempty" mapstructure:"endpoint"`
	Bucket    string            `json:"bucket,omitempty" mapstructure:"bucket"`
	Path      string            `json:"path,omitempty" mapstructure:"path"`
	Region    string            `json:"region,omitempty" mapstructure:"region"`
	AccessKey string            `json:"access_key,omitempty" mapstructure:"access_key"`
	SecretKey string            `json:"secret_key,omitempty" mapstructure:"secret_key"`
	Options   map[string]string `json:"options,omitempty" mapstructure:"options"`
}

// StoredChunk is an agent's local record of a chunk replica.
type StoredChunk struct {
	ID           ChunkID `json:"id"`
	Path         string  `json:"path"`                    // key within the backend
	Size         uint64  `json:"size"`                    // bytes on the backend
	OriginalSize uint64  `json:"original_size,omitempty"` // 0 means same as Size
	Compression  string  `json:"compression,omitempty"`
	Checksum     uint64  `json:"checksum"` // crc64nvme of the original bytes
	CreatedAt    int64   `json:"created_at"`
	StoredAt     int64   `json:"stored_at"` // unix nanos of the latest store, repeats included
}

// GetOriginalSize returns the uncompressed size of the chunk.
func (c *StoredChunk) GetOriginalSize() uint64 {
	if c.OriginalSize > 0 {
		return c.OriginalSize
	}
	return c.Size
}

func (c *StoredChunk) IsCompressed() bool {
	return c.Compression != "" && c.Compression != "none"
}
