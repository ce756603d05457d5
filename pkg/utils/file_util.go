// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// CheckWritableDir returns nil when folder is a directory the process may write to.
func CheckWritableDir(folder string) error {
	info, err := os.Stat(folder)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return os.ErrInvalid
	}
	if info.Mode().Perm()&0200 != 0 {
		return nil
	}
	return os.ErrPermission
}

func ResolvePath(path string) string {
	if strings.HasPrefix(path, "~") {
		if usr, err := user.Current(); err == nil {
			path = filepath.Join(usr.HomeDir, strings.TrimPrefix(path, "~"))
		}
	}

	path = os.ExpandEnv(path)
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}

	return path
}
