// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pivot

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInTarget is returned if a return is requested while the
	// machine is not in the target phase. The request is a no-op and
	// leaves the state untouched.
	ErrNotInTarget = errors.New("not in target phase")

	// ErrNotInBootstrap is returned if a forward pivot is requested while
	// a target is already live.
	ErrNotInBootstrap = errors.New("not in bootstrap phase")

	// ErrReturnInProgress is returned if a return is requested while
	// another one is already executing. The second request is rejected,
	// never attempted twice.
	ErrReturnInProgress = errors.New("return already in progress")

	// ErrPivotInProgress is returned if a forward pivot is requested
	// while another pivot is still executing.
	ErrPivotInProgress = errors.New("pivot already in progress")

	// ErrBackRefUnreachable is returned if the old-root back-reference is
	// not reachable, so there is nothing to return to.
	ErrBackRefUnreachable = errors.New("old-root back-reference unreachable")
)

// PivotError wraps any error occurring during a forward pivot.
type PivotError struct {
	Root string
	Err  error
}

// Error implements the [error] interface.
func (e *PivotError) Error() string {
	return fmt.Sprintf("pivot into %s: %v", e.Root, e.Err)
}

// Is implements the [errors.Is] interface.
func (*PivotError) Is(other error) bool {
	_, ok := other.(*PivotError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *PivotError) Unwrap() error {
	return e.Err
}

// ReversePivotError wraps any error occurring during a reverse pivot. The
// target phase keeps running when it is returned.
type ReversePivotError struct {
	Err error
}

// Error implements the [error] interface.
func (e *ReversePivotError) Error() string {
	return fmt.Sprintf("reverse pivot: %v", e.Err)
}

// Is implements the [errors.Is] interface.
func (*ReversePivotError) Is(other error) bool {
	_, ok := other.(*ReversePivotError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *ReversePivotError) Unwrap() error {
	return e.Err
}
