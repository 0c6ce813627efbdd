// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const defaultRestartDelay = time.Second

// Process describes a child of the init process that is kept running.
type Process struct {
	// Name identifies the process in log output.
	Name string

	// Path is the executable, Args its arguments.
	Path string
	Args []string

	// Console, if set, becomes the controlling terminal and the standard
	// streams of the process.
	Console string

	// RestartDelay is the pause before a terminated or unstartable
	// process is started again.
	RestartDelay time.Duration
}

// StartFunc starts a process and returns its PID.
type StartFunc func(Process) (int, error)

// Supervisor keeps processes running until its context is done.
//
// Exit statuses are delivered through the [Reaper], which is the only
// wait(2) caller in the init process.
type Supervisor struct {
	reaper *Reaper
	log    *slog.Logger

	// start is replaceable for tests.
	start StartFunc
}

// NewSupervisor creates a [Supervisor] delivering exits via the given
// reaper.
func NewSupervisor(reaper *Reaper, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		reaper: reaper,
		log:    logger,
		start:  startProcess,
	}
}

// Supervise runs the given process, restarting it whenever it terminates,
// until the context is done. It never gives up on a process; start
// failures are retried after the restart delay.
func (s *Supervisor) Supervise(ctx context.Context, proc Process) error {
	delay := proc.RestartDelay
	if delay <= 0 {
		delay = defaultRestartDelay
	}

	for {
		// The watch must exist before the child can be reaped, or a fast
		// exit would be collected as an unwatched orphan.
		pid, exited, err := s.reaper.WatchStart(func() (int, error) {
			return s.start(proc)
		})
		if err != nil {
			s.log.Error("Starting process failed",
				slog.String("name", proc.Name),
				slog.Any("error", err))

			if err := sleep(ctx, delay); err != nil {
				return err
			}

			continue
		}

		s.log.Info("Process started",
			slog.String("name", proc.Name),
			slog.Int("pid", pid))

		select {
		case <-ctx.Done():
			s.reaper.Unwatch(pid)
			return ctx.Err()
		case status := <-exited:
			s.log.Warn("Process terminated, restarting",
				slog.String("name", proc.Name),
				slog.Int("pid", pid),
				slog.Int("status", status))
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// startProcess starts the process in its own session. With a console set,
// the console becomes the controlling terminal, so an interactive shell
// gets job control.
func startProcess(proc Process) (int, error) {
	cmd := exec.Command(proc.Path, proc.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if proc.Console != "" {
		console, err := os.OpenFile(proc.Console, os.O_RDWR, 0)
		if err != nil {
			return 0, fmt.Errorf("open console %s: %w", proc.Console, err)
		}

		defer console.Close()

		cmd.Stdin = console
		cmd.Stdout = console
		cmd.Stderr = console
		cmd.SysProcAttr.Setctty = true
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", proc.Path, err)
	}

	pid := cmd.Process.Pid

	// The reaper collects the exit status, not this process handle.
	if err := cmd.Process.Release(); err != nil {
		return 0, fmt.Errorf("release %s: %w", proc.Path, err)
	}

	return pid, nil
}
