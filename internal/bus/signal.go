// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bus

import "strings"

// Kind is the type of a control signal.
type Kind uint8

// Recognized signal kinds.
const (
	// KindUnknown marks a payload that matched no recognized command. It is
	// logged and discarded by the consumer, never dispatched.
	KindUnknown Kind = iota

	// KindLoad requests fetching and pivoting into a new root image. The
	// image URL is carried in the payload.
	KindLoad

	// KindReturn requests the reverse pivot back into bootstrap.
	KindReturn

	// KindStatus requests the current phase status.
	KindStatus
)

// String implements the [fmt.Stringer] interface.
func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindReturn:
		return "return"
	case KindStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Signal is a single control signal with the name of its producer and an
// optional kind-specific payload.
type Signal struct {
	Kind    Kind
	Source  string
	Payload string
}

// String implements the [fmt.Stringer] interface. The result is the wire
// format: the kind, the source and the optional payload separated by a
// single space each. The source must not contain spaces.
func (s Signal) String() string {
	parts := []string{s.Kind.String()}

	if s.Source != "" {
		parts = append(parts, s.Source)
	}

	if s.Payload != "" {
		parts = append(parts, s.Payload)
	}

	return strings.Join(parts, " ")
}

// parseSignal parses one line of the wire format.
func parseSignal(line string) Signal {
	command, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	source, payload, _ := strings.Cut(strings.TrimSpace(rest), " ")

	signal := Signal{
		Source:  source,
		Payload: strings.TrimSpace(payload),
	}

	switch command {
	case "load":
		signal.Kind = KindLoad
	case "return":
		signal.Kind = KindReturn
	case "status":
		signal.Kind = KindStatus
	default:
		signal.Kind = KindUnknown
		signal.Source = line
		signal.Payload = ""
	}

	return signal
}
