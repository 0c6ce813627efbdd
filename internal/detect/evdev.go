// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package detect

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Linux input event types and key states as defined by input-event-codes.h.
const (
	evKey uint16 = 0x01

	keyRelease int32 = 0
	keyPress   int32 = 1
	keyRepeat  int32 = 2

	keyLeftCtrl  uint16 = 29
	keyLeftAlt   uint16 = 56
	keyRightCtrl uint16 = 97
	keyRightAlt  uint16 = 100

	// KeyDelete is the default trigger key (ctrl-alt-del returns to
	// bootstrap).
	KeyDelete uint16 = 111
)

const inputDeviceGlob = "/dev/input/event*"

// inputEvent mirrors struct input_event from linux/input.h on 64-bit
// platforms.
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// EventDevices lists the input event devices present on the system.
func EventDevices() []string {
	devices, err := filepath.Glob(inputDeviceGlob)
	if err != nil {
		return nil
	}

	return devices
}

// keyTracker decides when a key event stream fires the trigger.
//
// It tracks the held state of both ctrl and both alt keys and fires only on
// the press edge of the trigger key. Repeats and releases of the trigger
// key never fire, so holding the key produces exactly one signal.
type keyTracker struct {
	trigger          uint16
	requireModifiers bool

	leftCtrl, rightCtrl bool
	leftAlt, rightAlt   bool
}

func (t *keyTracker) observe(event inputEvent) bool {
	if event.Type != evKey {
		return false
	}

	held := event.Value != keyRelease

	switch event.Code {
	case keyLeftCtrl:
		t.leftCtrl = held
	case keyRightCtrl:
		t.rightCtrl = held
	case keyLeftAlt:
		t.leftAlt = held
	case keyRightAlt:
		t.rightAlt = held
	case t.trigger:
		if event.Value != keyPress {
			return false
		}

		if !t.requireModifiers {
			return true
		}

		return (t.leftCtrl || t.rightCtrl) && (t.leftAlt || t.rightAlt)
	}

	return false
}

// EventDeviceDetector fires when the trigger key is pressed while both
// modifiers are held, read from a single input event device.
type EventDeviceDetector struct {
	Device  string
	Trigger uint16

	sink Sink
	log  *slog.Logger
}

// NewEventDeviceDetector creates a detector for the given input device.
func NewEventDeviceDetector(
	device string,
	trigger uint16,
	sink Sink,
	logger *slog.Logger,
) *EventDeviceDetector {
	return &EventDeviceDetector{
		Device:  device,
		Trigger: trigger,
		sink:    sink,
		log:     logger,
	}
}

// Name implements the [Detector] interface.
func (d *EventDeviceDetector) Name() string {
	return "evdev:" + filepath.Base(d.Device)
}

// Available implements the [Detector] interface.
func (d *EventDeviceDetector) Available() bool {
	_, err := os.Stat(d.Device)
	return err == nil
}

// Run implements the [Detector] interface.
func (d *EventDeviceDetector) Run(ctx context.Context) error {
	tracker := keyTracker{
		trigger:          d.Trigger,
		requireModifiers: true,
	}

	return runKeyEvents(ctx, d.Device, d.Name(), &tracker, d.sink)
}

// runKeyEvents reads input events from the device and publishes a return
// signal whenever the tracker fires.
func runKeyEvents(
	ctx context.Context,
	device, source string,
	tracker *keyTracker,
	sink Sink,
) error {
	file, err := os.Open(device)
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}

	defer func() {
		_ = file.Close()
	}()

	stop := closeOnDone(ctx, file)
	defer stop()

	for {
		var event inputEvent

		err := binary.Read(file, binary.NativeEndian, &event)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("read %s: %w", device, err)
		}

		if !tracker.observe(event) {
			continue
		}

		err = sink.Publish(signalReturn(source))
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
}

// closeOnDone closes the file when the context is canceled, unblocking a
// pending read. The returned stop function releases the watcher.
func closeOnDone(ctx context.Context, file *os.File) func() {
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			_ = file.Close()
		case <-done:
		}
	}()

	return func() { close(done) }
}
