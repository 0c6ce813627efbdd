// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package state

import (
	"strconv"
	"strings"
	"time"
)

// StatusText renders the record as the status payload surfaced on the
// console and by the status command.
//
// The target-pid field is only present while a target is live.
func (r Record) StatusText() string {
	var sb strings.Builder

	sb.WriteString("phase=")
	sb.WriteString(r.Phase.String())

	sb.WriteString(" booted=")
	sb.WriteString(r.BootTime.UTC().Format(time.RFC3339))

	if r.LastImageURL != "" {
		sb.WriteString(" image=")
		sb.WriteString(r.LastImageURL)
	}

	if r.Phase == PhaseTarget && r.TargetPID != 0 {
		sb.WriteString(" target-pid=")
		sb.WriteString(strconv.Itoa(r.TargetPID))
	}

	return sb.String()
}
