// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/LeeDigitalWorks/zapgate/pkg/types"
	"github.com/LeeDigitalWorks/zapgate/pkg/utils"

	"github.com/google/uuid"
)

func init() {
	Register(types.StorageTypeLocal, NewLocal)
}

// Local stores each key as a file under a base directory. Writes go to a
// temporary file that is synced and renamed into place, so a crashed write
// never leaves a partial chunk behind under its final name.
type Local struct {
	basePath string
}

var _ types.BackendStorage = (*Local)(nil)

// NewLocal creates a local filesystem backend
func NewLocal(cfg types.BackendConfig) (types.BackendStorage, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path required for local backend")
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	if err := utils.CheckWritableDir(cfg.Path); err != nil {
		return nil, fmt.Errorf("base path %s: %w", cfg.Path, err)
	}
	return &Local{basePath: cfg.Path}, nil
}

func (l *Local) Type() types.StorageType {
	return types.StorageTypeLocal
}

// Path returns the base directory.
func (l *Local) Path() string {
	return l.basePath
}

func (l *Local) path(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.basePath, filepath.FromSlash(key)), nil
}

func (l *Local) Write(ctx context.Context, key string, data io.Reader, size int64) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp := path + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if size > 0 {
		// Best effort; unsupported filesystems just skip preallocation.
		_ = Fallocate(f, size)
	}

	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write data: %w", err)
	}
	if err := Fdatasync(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync data: %w", err)
	}
	_ = FadviseDontNeed(f)
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (l *Local) open(key string) (*os.File, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound(key)
	}
	return f, err
}

func (l *Local) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return l.open(key)
}

func (l *Local) ReadRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	f, err := l.open(key)
	if err != nil {
		return nil, err
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek: %w", err)
	}

	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			Closer: f,
		}, nil
	}
	return f, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	path, err := l.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (l *Local) Size(ctx context.Context, key string) (int64, error) {
	path, err := l.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, notFound(key)
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (l *Local) Close() error {
	return nil
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}
