// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package state

import "errors"

var (
	// ErrPhaseInvalid is returned if a phase value is none of the known
	// phases.
	ErrPhaseInvalid = errors.New("invalid phase")

	// ErrStoreClosed is returned if the store is used after [Store.Close].
	ErrStoreClosed = errors.New("state store is closed")
)
