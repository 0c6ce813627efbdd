// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package detect

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
)

// LegacyKeycodeDetector is the coarse fallback variant: it matches the bare
// press edge of a single key code without any modifier tracking.
//
// It may fire on the plain trigger key without ctrl and alt held. This is a
// known, accepted approximation kept as a distinct degraded variant.
type LegacyKeycodeDetector struct {
	Device  string
	Keycode uint16

	sink Sink
	log  *slog.Logger
}

// NewLegacyKeycodeDetector creates the degraded key-scan detector for the
// given input device.
func NewLegacyKeycodeDetector(
	device string,
	keycode uint16,
	sink Sink,
	logger *slog.Logger,
) *LegacyKeycodeDetector {
	return &LegacyKeycodeDetector{
		Device:  device,
		Keycode: keycode,
		sink:    sink,
		log:     logger,
	}
}

// Name implements the [Detector] interface.
func (d *LegacyKeycodeDetector) Name() string {
	return "keycode:" + filepath.Base(d.Device)
}

// Available implements the [Detector] interface.
func (d *LegacyKeycodeDetector) Available() bool {
	_, err := os.Stat(d.Device)
	return err == nil
}

// Run implements the [Detector] interface.
func (d *LegacyKeycodeDetector) Run(ctx context.Context) error {
	tracker := keyTracker{
		trigger:          d.Keycode,
		requireModifiers: false,
	}

	return runKeyEvents(ctx, d.Device, d.Name(), &tracker, d.sink)
}
