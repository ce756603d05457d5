// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/LeeDigitalWorks/zapgate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Registry Tests
// ============================================================================

func TestRegister_CustomType(t *testing.T) {
	t.Parallel()

	customType := types.StorageType("test-custom")
	Register(customType, func(cfg types.BackendConfig) (types.BackendStorage, error) {
		return NewMemoryStorage(), nil
	})

	b, err := New(types.BackendConfig{Type: customType})
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, types.StorageTypeMemory, b.Type())
	assert.Contains(t, Types(), customType)
}

func TestNew_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := New(types.BackendConfig{Type: "unknown-type"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage type")
}

func TestNew_LocalRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(types.BackendConfig{Type: types.StorageTypeLocal})
	assert.Error(t, err)
}

func TestNew_S3RequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := New(types.BackendConfig{Type: types.StorageTypeS3})
	assert.Error(t, err)
}

// ============================================================================
// Conformance Tests
// ============================================================================

func backends(t *testing.T) map[string]types.BackendStorage {
	local, err := NewLocal(types.BackendConfig{Type: types.StorageTypeLocal, Path: t.TempDir()})
	require.NoError(t, err)
	return map[string]types.BackendStorage{
		"memory": NewMemoryStorage(),
		"local":  local,
	}
}

func write(t *testing.T, b types.BackendStorage, key string, data []byte) {
	t.Helper()
	require.NoError(t, b.Write(context.Background(), key, bytes.NewReader(data), int64(len(data))))
}

func readAll(t *testing.T, rc io.ReadCloser, err error) []byte {
	t.Helper()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestBackends(t *testing.T) {
	ctx := context.Background()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer b.Close()

			t.Run("WriteRead", func(t *testing.T) {
				write(t, b, "ab/cd/chunk-1", []byte("hello world"))
				rc, err := b.Read(ctx, "ab/cd/chunk-1")
				assert.Equal(t, []byte("hello world"), readAll(t, rc, err))
			})

			t.Run("Overwrite", func(t *testing.T) {
				write(t, b, "over", []byte("first version"))
				write(t, b, "over", []byte("second"))
				rc, err := b.Read(ctx, "over")
				assert.Equal(t, []byte("second"), readAll(t, rc, err))
			})

			t.Run("ReadRange", func(t *testing.T) {
				write(t, b, "range", []byte("0123456789"))

				rc, err := b.ReadRange(ctx, "range", 2, 5)
				assert.Equal(t, []byte("23456"), readAll(t, rc, err))

				rc, err = b.ReadRange(ctx, "range", 7, 100)
				assert.Equal(t, []byte("789"), readAll(t, rc, err))

				rc, err = b.ReadRange(ctx, "range", 4, 0)
				assert.Equal(t, []byte("456789"), readAll(t, rc, err))
			})

			t.Run("NotFound", func(t *testing.T) {
				_, err := b.Read(ctx, "missing")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = b.ReadRange(ctx, "missing", 0, 1)
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = b.Size(ctx, "missing")
				assert.ErrorIs(t, err, ErrNotFound)

				ok, err := b.Exists(ctx, "missing")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("DeleteIsIdempotent", func(t *testing.T) {
				write(t, b, "doomed", []byte("x"))
				require.NoError(t, b.Delete(ctx, "doomed"))
				require.NoError(t, b.Delete(ctx, "doomed"))

				ok, err := b.Exists(ctx, "doomed")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("Size", func(t *testing.T) {
				write(t, b, "sized", make([]byte, 4096))
				size, err := b.Size(ctx, "sized")
				require.NoError(t, err)
				assert.Equal(t, int64(4096), size)
			})

			t.Run("RejectsEscapingKeys", func(t *testing.T) {
				for _, key := range []string{"", "../etc/passwd", "/abs", "a/../../b"} {
					err := b.Write(ctx, key, strings.NewReader("x"), 1)
					assert.Error(t, err, key)
				}
			})

			t.Run("ConcurrentWrites", func(t *testing.T) {
				var wg sync.WaitGroup
				for i := 0; i < 16; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						data := bytes.Repeat([]byte{byte(i)}, 1024)
						assert.NoError(t, b.Write(ctx, "concurrent", bytes.NewReader(data), int64(len(data))))
					}(i)
				}
				wg.Wait()

				rc, err := b.Read(ctx, "concurrent")
				data := readAll(t, rc, err)
				require.Len(t, data, 1024)
				assert.Equal(t, bytes.Repeat(data[:1], 1024), data, "writes must not interleave")
			})
		})
	}
}

// ============================================================================
// Local Tests
// ============================================================================

func TestLocal_NoTempFilesLeft(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b, err := NewLocal(types.BackendConfig{Type: types.StorageTypeLocal, Path: dir})
	require.NoError(t, err)

	write(t, b, "ab/cd/chunk", []byte("data"))

	entries, err := os.ReadDir(filepath.Join(dir, "ab", "cd"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chunk", entries[0].Name())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestLocal_FailedWriteKeepsPrevious(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b, err := NewLocal(types.BackendConfig{Type: types.StorageTypeLocal, Path: dir})
	require.NoError(t, err)
	ctx := context.Background()

	write(t, b, "chunk", []byte("good"))
	require.Error(t, b.Write(ctx, "chunk", failingReader{}, 10))

	rc, err := b.Read(ctx, "chunk")
	assert.Equal(t, []byte("good"), readAll(t, rc, err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDiskUsage(t *testing.T) {
	t.Parallel()

	total, used, err := DiskUsage(t.TempDir())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, used)
}
