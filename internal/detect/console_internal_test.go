// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package detect

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpivot/netpivot/internal/bus"
)

func TestScanBuffer(t *testing.T) {
	var buffer scanBuffer

	buffer.write([]byte("some console noise"))
	assert.True(t, buffer.contains([]byte("console")))
	assert.False(t, buffer.contains([]byte("\x1b[3;7~")))

	buffer.write([]byte("\x1b[3;7~"))
	assert.True(t, buffer.contains([]byte("\x1b[3;7~")))

	buffer.reset()
	assert.False(t, buffer.contains([]byte("console")))
}

func TestScanBufferResetsWhenFull(t *testing.T) {
	var buffer scanBuffer

	buffer.write(bytes.Repeat([]byte("x"), scanBufferSize))
	assert.True(t, buffer.contains([]byte("x")))

	// The next byte starts a fresh buffer.
	buffer.write([]byte("y"))
	assert.False(t, buffer.contains([]byte("x")))
	assert.True(t, buffer.contains([]byte("y")))
}

func TestScanBufferSplitAcrossWrites(t *testing.T) {
	var buffer scanBuffer

	// An escape sequence arriving byte-wise must still match.
	for _, c := range []byte("\x1b[3;7~") {
		buffer.write([]byte{c})
	}

	assert.True(t, buffer.contains([]byte("\x1b[3;7~")))
}

func writeConsoleFile(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "console")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func TestRawConsoleDetectorFires(t *testing.T) {
	escape := []byte("\x1b[3;7~")
	console := writeConsoleFile(
		t,
		append([]byte("login: "), escape...),
	)

	sink := &fakeSink{}
	detector := NewRawConsoleDetector(
		console,
		escape,
		func() bool { return false },
		sink,
		testLogger(),
	)

	require.True(t, detector.Available())
	require.NoError(t, detector.Run(context.Background()))

	require.Len(t, sink.signals, 1)
	assert.Equal(t, bus.KindReturn, sink.signals[0].Kind)
}

func TestRawConsoleDetectorSwallowsInBootstrap(t *testing.T) {
	escape := []byte("\x1b[3;7~")
	console := writeConsoleFile(t, escape)

	sink := &fakeSink{}
	detector := NewRawConsoleDetector(
		console,
		escape,
		func() bool { return true },
		sink,
		testLogger(),
	)

	require.NoError(t, detector.Run(context.Background()))
	assert.Empty(t, sink.signals)
}
