// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package install

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultInitCandidates are the conventional init paths probed in an
// installed root, in order of preference.
func DefaultInitCandidates() []string {
	return []string{
		"/sbin/init",
		"/etc/init",
		"/bin/init",
		"/bin/sh",
		"/init",
	}
}

// FindInit returns the first candidate path that exists as an executable
// regular file or symlink in the given root.
//
// The returned path is relative to root, suitable for exec after the pivot.
// If no candidate matches, [ErrNoInit] is returned.
func FindInit(root string, candidates []string) (string, error) {
	for _, candidate := range candidates {
		path := filepath.Join(root, candidate)

		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return "", err
		}

		if info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return candidate, nil
		}
	}

	return "", ErrNoInit
}
