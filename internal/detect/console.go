// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// scanBufferSize bounds how many console bytes are accumulated while
// looking for the escape sequence.
const scanBufferSize = 100

// scanBuffer accumulates bytes up to a fixed size and starts over when
// full. Enough to catch an escape sequence, without growing unbounded on a
// chatty console.
type scanBuffer struct {
	buf [scanBufferSize]byte
	len int
}

func (b *scanBuffer) write(data []byte) {
	for _, c := range data {
		if b.len == len(b.buf) {
			b.reset()
		}

		b.buf[b.len] = c
		b.len++
	}
}

func (b *scanBuffer) contains(needle []byte) bool {
	return len(needle) > 0 && bytes.Contains(b.buf[:b.len], needle)
}

func (b *scanBuffer) reset() {
	b.len = 0
}

// RawConsoleDetector reads raw bytes from the console and fires when the
// trigger escape sequence appears.
//
// While the machine is in the bootstrap phase the trigger is swallowed as a
// no-op, since there is nothing to return from.
type RawConsoleDetector struct {
	Console string
	Escape  []byte

	// InBootstrap reports whether the machine is currently in the
	// bootstrap phase.
	InBootstrap func() bool

	sink Sink
	log  *slog.Logger
}

// NewRawConsoleDetector creates a detector reading the given console
// device.
func NewRawConsoleDetector(
	console string,
	escape []byte,
	inBootstrap func() bool,
	sink Sink,
	logger *slog.Logger,
) *RawConsoleDetector {
	return &RawConsoleDetector{
		Console:     console,
		Escape:      escape,
		InBootstrap: inBootstrap,
		sink:        sink,
		log:         logger,
	}
}

// Name implements the [Detector] interface.
func (d *RawConsoleDetector) Name() string {
	return "console:" + d.Console
}

// Available implements the [Detector] interface.
func (d *RawConsoleDetector) Available() bool {
	_, err := os.Stat(d.Console)
	return err == nil
}

// Run implements the [Detector] interface.
func (d *RawConsoleDetector) Run(ctx context.Context) error {
	file, err := os.Open(d.Console)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.Console, err)
	}

	defer func() {
		_ = file.Close()
	}()

	fd := int(file.Fd())

	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode %s: %w", d.Console, err)
		}

		defer func() {
			_ = term.Restore(fd, oldState)
		}()
	}

	stop := closeOnDone(ctx, file)
	defer stop()

	var buffer scanBuffer

	chunk := make([]byte, 64)

	for {
		n, err := file.Read(chunk)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("read %s: %w", d.Console, err)
		}

		buffer.write(chunk[:n])

		if !buffer.contains(d.Escape) {
			continue
		}

		buffer.reset()

		if d.InBootstrap() {
			// Nothing to return from.
			d.log.Debug("Console trigger ignored in bootstrap phase",
				slog.String("detector", d.Name()))

			continue
		}

		err = d.sink.Publish(signalReturn(d.Name()))
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
}
