// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"errors"
	"fmt"
)

// ErrNotPidOne is returned if the process is expected to be run as PID 1
// but is not.
var ErrNotPidOne = errors.New("process does not have PID 1")

// OptionalMountError is a collection of errors that occurred for mount
// points that may fail.
type OptionalMountError []error

func (e OptionalMountError) Error() string {
	return fmt.Sprintf("optional mount errors: %q", []error(e))
}

func (OptionalMountError) Is(other error) bool {
	_, ok := other.(OptionalMountError)
	return ok
}

func (e OptionalMountError) Unwrap() []error {
	return e
}
