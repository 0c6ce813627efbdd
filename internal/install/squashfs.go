// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package install turns a downloaded image artifact into a root tree, either
// by loop-mounting a squashfs image or by extracting an archive.
package install

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/netpivot/netpivot/internal/image"
)

const defaultDirMode = 0o755

// InstallSquashfs loop-mounts the squashfs image read-only at mountpoint.
//
// The mount either succeeds completely or leaves nothing behind: on a failed
// mount the loop device is detached again. A corrupt or unsupported image
// surfaces as [MountError].
func InstallSquashfs(artifact *image.Artifact, mountpoint string) error {
	if err := os.MkdirAll(mountpoint, defaultDirMode); err != nil {
		return &MountError{Image: artifact.LocalPath, Err: err}
	}

	devPath, err := attachLoop(artifact.LocalPath)
	if err != nil {
		return &MountError{Image: artifact.LocalPath, Err: err}
	}

	err = unix.Mount(devPath, mountpoint, "squashfs", unix.MS_RDONLY, "")
	if err != nil {
		detachLoop(devPath)

		err = fmt.Errorf("squashfs on %s: %w", mountpoint, err)

		return &MountError{Image: artifact.LocalPath, Err: err}
	}

	return nil
}
