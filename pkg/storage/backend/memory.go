// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

func init() {
	Register(types.StorageTypeMemory, func(cfg types.BackendConfig) (types.BackendStorage, error) {
		return NewMemoryStorage(), nil
	})
}

// MemoryStorage keeps chunk bytes in a map. Used by tests and in-process agents.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ types.BackendStorage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: make(map[string][]byte),
	}
}

func (m *MemoryStorage) Type() types.StorageType {
	return types.StorageTypeMemory
}

func (m *MemoryStorage) Write(ctx context.Context, key string, data io.Reader, size int64) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = buf
	return nil
}

func (m *MemoryStorage) get(key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	if !ok {
		return nil, notFound(key)
	}
	return data, nil
}

func (m *MemoryStorage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := m.get(key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStorage) ReadRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	data, err := m.get(key)
	if err != nil {
		return nil, err
	}

	if offset >= int64(len(data)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := int64(len(data))
	if length > 0 && offset+length < end {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.get(key)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (m *MemoryStorage) Size(ctx context.Context, key string) (int64, error) {
	data, err := m.get(key)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Len returns the number of stored keys.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	return nil
}
