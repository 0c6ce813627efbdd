// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package state

import "fmt"

// Phase is the filesystem and process context the machine currently runs in.
//
// Exactly one phase is active at any time. It is mutated only by the pivot
// controller.
type Phase uint8

const (
	// PhaseBootstrap is the resident minimal environment the machine boots
	// into.
	PhaseBootstrap Phase = iota

	// PhaseTarget is a network-loaded root filesystem the machine pivoted
	// into.
	PhaseTarget
)

// String implements the [fmt.Stringer] interface.
func (p Phase) String() string {
	switch p {
	case PhaseBootstrap:
		return "bootstrap"
	case PhaseTarget:
		return "target"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// MarshalText implements the [encoding.TextMarshaler] interface.
func (p Phase) MarshalText() ([]byte, error) {
	switch p {
	case PhaseBootstrap, PhaseTarget:
		return []byte(p.String()), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrPhaseInvalid, uint8(p))
	}
}

// UnmarshalText implements the [encoding.TextUnmarshaler] interface.
func (p *Phase) UnmarshalText(text []byte) error {
	switch string(text) {
	case "bootstrap":
		*p = PhaseBootstrap
	case "target":
		*p = PhaseTarget
	default:
		return fmt.Errorf("%w: %q", ErrPhaseInvalid, text)
	}

	return nil
}
