// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package image

import (
	"errors"
	"fmt"
)

// ErrSizeMismatch is returned if a downloaded file does not have the size the
// server announced.
var ErrSizeMismatch = errors.New("size does not match content length")

// NetworkError indicates that an image URL is not reachable.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

// Error implements the [error] interface.
func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unreachable %s: %v", e.URL, e.Err)
	}

	return fmt.Sprintf("unreachable %s: status %d", e.URL, e.StatusCode)
}

// Is implements the [errors.Is] interface.
func (*NetworkError) Is(other error) bool {
	_, ok := other.(*NetworkError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DownloadError wraps any error occurring while fetching an image.
type DownloadError struct {
	URL string
	Err error
}

// Error implements the [error] interface.
func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

// Is implements the [errors.Is] interface.
func (*DownloadError) Is(other error) bool {
	_, ok := other.(*DownloadError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *DownloadError) Unwrap() error {
	return e.Err
}
