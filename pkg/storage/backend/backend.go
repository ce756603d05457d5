// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend provides the byte stores an agent keeps chunk replicas in.
// All backends implement types.BackendStorage.
package backend

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/LeeDigitalWorks/zapgate/pkg/types"
)

// ErrNotFound is returned when a key does not exist on the backend.
var ErrNotFound = errors.New("key not found")

// Registry holds registered backend factories
var (
	registryMu sync.RWMutex
	registry   = make(map[types.StorageType]Factory)
)

// Factory creates a BackendStorage from config
type Factory func(cfg types.BackendConfig) (types.BackendStorage, error)

// Register adds a factory for a storage type
func Register(t types.StorageType, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = f
}

// New creates a BackendStorage from config
func New(cfg types.BackendConfig) (types.BackendStorage, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
	return f(cfg)
}

// Types returns the registered storage types.
func Types() []types.StorageType {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]types.StorageType, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}

// cleanKey rejects keys that would escape the backend's namespace.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty key")
	}
	cleaned := path.Clean(key)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return cleaned, nil
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}
