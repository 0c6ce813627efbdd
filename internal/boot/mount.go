// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"os"
	"slices"

	"golang.org/x/sys/unix"
)

// FSType is a file system type.
type FSType string

// Special file system types.
const (
	FSTypeDevPts FSType = "devpts"
	FSTypeDevTmp FSType = "devtmpfs"
	FSTypeProc   FSType = "proc"
	FSTypeSys    FSType = "sysfs"
	FSTypeTmp    FSType = "tmpfs"

	defaultDirMode = 0o755
)

// SystemMountPoints returns the special pseudo and virtual file systems
// the bootstrap environment needs, like device nodes, kernel variables
// and writable runtime space.
func SystemMountPoints() MountPoints {
	return MountPoints{
		"/dev":     {FSType: FSTypeDevTmp},
		"/dev/pts": {FSType: FSTypeDevPts, MayFail: true},
		"/dev/shm": {FSType: FSTypeTmp, MayFail: true},
		"/proc":    {FSType: FSTypeProc},
		"/run":     {FSType: FSTypeTmp},
		"/sys":     {FSType: FSTypeSys},
		"/tmp":     {FSType: FSTypeTmp, MayFail: true},
	}
}

// MountOptions contains parameters for a mount point.
type MountOptions struct {
	// FSType is the file system type. It must be set to an available
	// [FSType].
	FSType FSType

	// Source is the source device to mount. Can be empty for all the
	// special [FSType]s. If empty it is set to the string of the type.
	Source string

	// Flags are optional mount flags as defined by mount(2).
	Flags uintptr

	// Data are optional additional parameters that depend on the [FSType]
	// used.
	Data string

	// MayFail determines if the mount operation may fail. If set to true,
	// a mount error does not fail a [MountAll] operation. Instead, a
	// warning is logged and the next mount point is tried.
	MayFail bool
}

// MountPoints is a collection of mount points.
type MountPoints map[string]MountOptions

// Mount mounts the file system of [FSType] at the given path.
//
// If path does not exist, it is created. If the path is already a mount
// point of the wanted type, it is left alone.
func Mount(path string, opts MountOptions) error {
	if err := os.MkdirAll(path, defaultDirMode); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}

	source := opts.Source
	if source == "" {
		source = string(opts.FSType)
	}

	err := unix.Mount(source, path, string(opts.FSType), opts.Flags, opts.Data)
	if err != nil {
		return fmt.Errorf("mount %s: %w", path, err)
	}

	return nil
}

// MountAll mounts the given set of file systems.
//
// The mounts are executed in lexicographic order of the paths. If only
// optional mount points failed, it returns an [OptionalMountError] with
// all errors.
func MountAll(mountPoints MountPoints) error {
	var optionalErrs OptionalMountError

	for path, opts := range sortedMap(mountPoints) {
		if err := Mount(path, opts); err != nil {
			if !opts.MayFail {
				return err
			}

			optionalErrs = append(optionalErrs, err)
		}
	}

	if optionalErrs != nil {
		return optionalErrs
	}

	return nil
}

// logOptionalMountErrors logs non-fatal mount errors and filters them out.
func logOptionalMountErrors(err error, log *slog.Logger) error {
	var optionalErrs OptionalMountError
	if !errors.As(err, &optionalErrs) {
		return err
	}

	for _, mountErr := range optionalErrs {
		log.Warn("Optional mount failed", slog.Any("error", mountErr))
	}

	return nil
}

// sortedMap returns an iterator that iterates the given map in
// lexicographic order of the keys.
func sortedMap[K cmp.Ordered, V any](m map[K]V) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, key := range slices.Sorted(maps.Keys(m)) {
			if !yield(key, m[key]) {
				return
			}
		}
	}
}
