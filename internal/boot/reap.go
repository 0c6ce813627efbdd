// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// Reaper collects terminated child processes of PID 1.
//
// It is the single wait(2) caller in the init process. Components that
// care about a specific child register a watcher and get the exit status
// delivered; everything else is reaped silently so orphans re-parented to
// PID 1 never linger as zombies.
type Reaper struct {
	log *slog.Logger

	mu       sync.Mutex
	watchers map[int]chan int
}

// NewReaper creates a [Reaper].
func NewReaper(logger *slog.Logger) *Reaper {
	return &Reaper{
		log:      logger,
		watchers: make(map[int]chan int),
	}
}

// Watch registers interest in the given PID. The returned channel receives
// the wait status once the process terminated. Watches are one-shot.
func (r *Reaper) Watch(pid int) <-chan int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan int, 1)
	r.watchers[pid] = ch

	return ch
}

// WatchStart starts a child through the given function and registers the
// exit watch for its PID in one step. Exit delivery is held off until the
// watch exists, so a child that terminates before start even returned is
// still delivered and never reaped as an orphan.
func (r *Reaper) WatchStart(start func() (int, error)) (int, <-chan int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pid, err := start()
	if err != nil {
		return 0, nil, err
	}

	ch := make(chan int, 1)
	r.watchers[pid] = ch

	return pid, ch, nil
}

// Unwatch drops a registered watch again.
func (r *Reaper) Unwatch(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.watchers, pid)
}

// Run reaps terminated children until the context is done.
func (r *Reaper) Run(ctx context.Context) error {
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, unix.SIGCHLD)

	defer signal.Stop(sigC)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sigC:
			r.reapAll()
		}
	}
}

// reapAll collects all currently terminated children without blocking.
func (r *Reaper) reapAll() {
	for {
		var status unix.WaitStatus

		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)

		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil, pid <= 0:
			return
		}

		r.notify(pid, int(status))
	}
}

func (r *Reaper) notify(pid, status int) {
	r.mu.Lock()
	ch, ok := r.watchers[pid]
	delete(r.watchers, pid)
	r.mu.Unlock()

	if ok {
		ch <- status
		return
	}

	r.log.Debug("Reaped orphan",
		slog.Int("pid", pid),
		slog.Int("status", status))
}
