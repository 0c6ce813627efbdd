// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import "errors"

var (
	// ErrUnknownCommand is returned for an unrecognized subcommand.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMissingURL is returned if the load command is run without an
	// image URL.
	ErrMissingURL = errors.New("image URL required")

	// ErrUnknownConfigKey is returned for unrecognized configuration file
	// keys, so typos do not silently fall back to defaults.
	ErrUnknownConfigKey = errors.New("unknown configuration key")
)
