// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package image

import "strings"

// Format is the payload format of a root filesystem image.
type Format string

// Known image formats.
const (
	// FormatArchive is a packed file tree (tar or cpio, possibly
	// compressed) that gets extracted into a directory.
	FormatArchive Format = "archive"

	// FormatSquashfs is a squashfs filesystem image that gets loop-mounted
	// read-only.
	FormatSquashfs Format = "squashfs"
)

var squashfsSuffixes = []string{".squashfs", ".sqsh", ".sfs"}

// Classify determines the image format from the URL suffix.
//
// Unknown suffixes default to [FormatArchive].
func Classify(url string) Format {
	// Query and fragment are not part of the name.
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}

	trimmed := strings.ToLower(strings.TrimSuffix(url, "/"))

	for _, suffix := range squashfsSuffixes {
		if strings.HasSuffix(trimmed, suffix) {
			return FormatSquashfs
		}
	}

	return FormatArchive
}
