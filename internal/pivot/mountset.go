// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pivot

import (
	"log/slog"
	"slices"

	"golang.org/x/sys/unix"

	"github.com/netpivot/netpivot/internal/state"
)

// MountSet tracks the mounts created during a pivot, in mount order.
//
// Tracking is explicit so a partial failure can be rolled back
// deterministically: unmounting happens in the exact reverse of the mount
// order.
type MountSet struct {
	entries []state.MountEntry
}

// NewMountSet creates a [MountSet] preloaded with the given entries, as
// persisted by the forward pivot.
func NewMountSet(entries []state.MountEntry) *MountSet {
	return &MountSet{entries: entries}
}

// Push records a mount. Must be called in mount order. moved marks a
// filesystem carried over from the old root rather than freshly mounted.
func (m *MountSet) Push(target, fsType string, moved bool) {
	m.entries = append(m.entries, state.MountEntry{
		Target: target,
		FSType: fsType,
		Moved:  moved,
	})
}

// Entries returns the recorded mounts in mount order.
func (m *MountSet) Entries() []state.MountEntry {
	return m.entries
}

// UnmountAll detaches all recorded mounts in reverse mount order.
//
// Each unmount is best-effort: a failure is logged and the remaining
// entries are still processed. Used both for rollback after a failed
// forward pivot and for the reverse pivot.
func (m *MountSet) UnmountAll(sys System, log *slog.Logger) {
	for _, entry := range slices.Backward(m.entries) {
		err := sys.Unmount(entry.Target, unix.MNT_DETACH)
		if err != nil {
			log.Warn("Unmount failed",
				slog.String("target", entry.Target),
				slog.Any("error", err))
		}
	}

	m.entries = nil
}
