// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bus

import "fmt"

// ChannelError wraps any error occurring on the control channel.
type ChannelError struct {
	Path string
	Err  error
}

// Error implements the [error] interface.
func (e *ChannelError) Error() string {
	return fmt.Sprintf("control channel %s: %v", e.Path, e.Err)
}

// Is implements the [errors.Is] interface.
func (*ChannelError) Is(other error) bool {
	_, ok := other.(*ChannelError)
	return ok
}

// Unwrap implements the [errors.Unwrap] interface.
func (e *ChannelError) Unwrap() error {
	return e.Err
}
