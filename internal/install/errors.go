// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package install

import (
	"errors"
	"fmt"
)

var (
	// ErrNoInit is returned if an installed root contains no init program
	// at any of the conventional paths.
	ErrNoInit = errors.New("no init program found in installed root")

	// ErrDestinationExists is returned if the archive destination directory
	// is already present. A leftover from an earlier run must never be
	// silently reused.
	ErrDestinationExists = errors.New("destination directory already exists")

	// ErrUnsafePath is returned if an archive entry would escape the
	// destination directory.
	ErrUnsafePath = errors.New("archive entry escapes destination")
)

// FormatError indicates an image payload that cannot be decoded.
type FormatError struct {
	Name string
	Err  error
}

// Error implements the [error] interface.
func (e *FormatError) Error() string {
	return fmt.Sprintf("format %s: %v", e.Name, e.Err)
}

// Is implements the [errors.Is] interface.
func (*FormatError) Is(other error) bool {
	_, ok := other.(*FormatError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *FormatError) Unwrap() error {
	return e.Err
}

// MountError wraps any error occurring while mounting a squashfs image.
type MountError struct {
	Image string
	Err   error
}

// Error implements the [error] interface.
func (e *MountError) Error() string {
	return fmt.Sprintf("mount %s: %v", e.Image, e.Err)
}

// Is implements the [errors.Is] interface.
func (*MountError) Is(other error) bool {
	_, ok := other.(*MountError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *MountError) Unwrap() error {
	return e.Err
}

// ExtractionError wraps any error occurring while extracting an archive
// image.
type ExtractionError struct {
	Image string
	Err   error
}

// Error implements the [error] interface.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Image, e.Err)
}

// Is implements the [errors.Is] interface.
func (*ExtractionError) Is(other error) bool {
	_, ok := other.(*ExtractionError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *ExtractionError) Unwrap() error {
	return e.Err
}
