// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package backend

import "os"

// Fdatasync falls back to standard Sync on non-Linux platforms.
// On macOS, fsync already has fdatasync-like behavior.
// On Windows, this provides full sync semantics.
func Fdatasync(f *os.File) error {
	return f.Sync()
}

// FadviseDontNeed is a no-op on non-Linux platforms.
// macOS and Windows don't support fadvise.
func FadviseDontNeed(f *os.File) error {
	return nil
}

// Fallocate is a no-op on non-Linux platforms.
// macOS and Windows don't support fallocate syscall.
func Fallocate(f *os.File, size int64) error {
	return nil
}

// DiskUsage is not reported on non-Linux platforms.
func DiskUsage(path string) (total, used uint64, err error) {
	return 0, 0, nil
}
