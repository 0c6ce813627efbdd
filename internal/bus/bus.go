// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bus carries control signals from any number of producers to a
// single consumer over a named pipe at a well-known path.
package bus

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	pipeMode = 0o622

	defaultCheckInterval = time.Second
	defaultRetryDelay    = time.Second
)

// Bus is a multiple-producer, single-consumer signal channel backed by a
// named pipe.
type Bus struct {
	// CheckInterval is how often the consumer verifies that the backing
	// pipe still exists.
	CheckInterval time.Duration

	// RetryDelay bounds how long the consumer waits before recreating the
	// pipe after a failure.
	RetryDelay time.Duration

	path string
	log  *slog.Logger
}

// New creates a new [Bus] at the given path.
func New(path string, logger *slog.Logger) *Bus {
	return &Bus{
		CheckInterval: defaultCheckInterval,
		RetryDelay:    defaultRetryDelay,
		path:          path,
		log:           logger,
	}
}

// Path returns the path of the backing named pipe.
func (b *Bus) Path() string {
	return b.path
}

// Create creates the backing named pipe if it does not exist yet.
func (b *Bus) Create() error {
	err := unix.Mkfifo(b.path, pipeMode)
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return &ChannelError{Path: b.path, Err: err}
	}

	return nil
}

// Publish writes the signal to the pipe.
//
// It fails with a [ChannelError] if no consumer is attached or the pipe
// cannot be written.
func (b *Bus) Publish(signal Signal) error {
	file, err := os.OpenFile(
		b.path,
		os.O_WRONLY|syscall.O_NONBLOCK,
		0,
	)
	if err != nil {
		return &ChannelError{Path: b.path, Err: err}
	}

	_, err = fmt.Fprintln(file, signal.String())
	if err != nil {
		_ = file.Close()
		return &ChannelError{Path: b.path, Err: err}
	}

	if err := file.Close(); err != nil {
		return &ChannelError{Path: b.path, Err: err}
	}

	return nil
}

// Serve consumes signals until the context is canceled and passes each
// recognized one to dispatch, serially.
//
// Unrecognized payloads are logged and discarded. The consumer is
// self-healing: if the backing pipe disappears or reading fails, it is
// recreated and reattached within a bounded delay instead of terminating.
func (b *Bus) Serve(ctx context.Context, dispatch func(Signal)) error {
	for {
		err := b.Create()
		if err == nil {
			err = b.consume(ctx, dispatch)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			b.log.Warn("Control channel interrupted, reattaching",
				slog.String("path", b.path),
				slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.RetryDelay):
		}
	}
}

// consume reads signals from the pipe until the pipe goes away or the
// context is canceled.
//
// The pipe is opened read-write so reads never hit EOF when the last
// producer closes its end.
func (b *Bus) consume(ctx context.Context, dispatch func(Signal)) error {
	file, err := os.OpenFile(b.path, os.O_RDWR, 0)
	if err != nil {
		return &ChannelError{Path: b.path, Err: err}
	}

	// The watcher closes the file to unblock the reader, either on context
	// cancellation or once the backing pipe vanished from the file system.
	done := make(chan struct{})
	defer close(done)

	go b.watch(ctx, done, file)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		signal := parseSignal(line)
		if signal.Kind == KindUnknown {
			b.log.Warn("Discarding unrecognized control payload",
				slog.String("payload", line))

			continue
		}

		b.log.Debug("Control signal received",
			slog.String("kind", signal.Kind.String()),
			slog.String("source", signal.Source))

		dispatch(signal)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return &ChannelError{Path: b.path, Err: err}
	}

	return nil
}

func (b *Bus) watch(ctx context.Context, done <-chan struct{}, file *os.File) {
	defer func() {
		_ = file.Close()
	}()

	ticker := time.NewTicker(b.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if _, err := os.Stat(b.path); err != nil {
				b.log.Warn("Control channel vanished, recreating",
					slog.String("path", b.path))

				return
			}
		}
	}
}
