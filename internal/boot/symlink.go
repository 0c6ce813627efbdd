// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// DevSymlinks returns a map with well-known symlinks for /dev.
func DevSymlinks() Symlinks {
	return Symlinks{
		"/dev/core":   "/proc/kcore",
		"/dev/fd":     "/proc/self/fd/",
		"/dev/stdin":  "/proc/self/fd/0",
		"/dev/stdout": "/proc/self/fd/1",
		"/dev/stderr": "/proc/self/fd/2",
	}
}

// Symlinks is a collection of symbolic links. Keys are symbolic links to
// create with the value being the target to link to.
type Symlinks map[string]string

// CreateSymlinks creates common symbolic links in the file system.
//
// This must be run after all file systems have been mounted. Links that
// exist already are left alone, so a pivot back into an already set up
// bootstrap root does not fail.
func CreateSymlinks(symlinks Symlinks) error {
	for link, target := range sortedMap(symlinks) {
		err := os.Symlink(target, link)
		if err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create symlink %s: %w", link, err)
		}
	}

	return nil
}
