// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package boot implements the bootstrap init.
//
// It runs as PID 1, sets up the minimal environment (virtual file systems,
// device symlinks, network links, runtime directories) and then supervises
// the pivot daemon and an interactive console shell. It stays PID 1 for
// the lifetime of the machine, across pivots in both directions.
package boot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/netpivot/netpivot/internal/state"
)

// Config carries the paths the bootstrap init works with.
type Config struct {
	// StatePath is the phase store database.
	StatePath string

	// RuntimeDir holds the control pipe and the state store. It lives on
	// a file system that survives pivots by being moved along.
	RuntimeDir string

	// ImageDir is where fetched images are staged and installed.
	ImageDir string

	// SelfPath is the executable started as the pivot daemon, with
	// ServeArgs as its arguments.
	SelfPath  string
	ServeArgs []string

	// ShellPath is the interactive shell run on ConsolePath. Empty
	// disables the console shell.
	ShellPath   string
	ConsolePath string
}

// Run is the entry point of the bootstrap init. It must be run as PID 1.
//
// It returns only on a fatal setup error or when the context is done.
func Run(ctx context.Context, logger *slog.Logger, cfg Config) error {
	if os.Getpid() != 1 {
		return ErrNotPidOne
	}

	err := logOptionalMountErrors(MountAll(SystemMountPoints()), logger)
	if err != nil {
		return err
	}

	if err := CreateSymlinks(DevSymlinks()); err != nil {
		logger.Warn("Creating device symlinks failed", slog.Any("error", err))
	}

	if err := SetupInterfaces(logger); err != nil {
		return err
	}

	for _, dir := range []string{cfg.RuntimeDir, cfg.ImageDir} {
		if err := os.MkdirAll(dir, defaultDirMode); err != nil {
			return fmt.Errorf("create runtime dir: %w", err)
		}
	}

	if err := markBootTime(cfg.StatePath); err != nil {
		return err
	}

	logger.Info("Bootstrap environment ready")

	reaper := NewReaper(logger)
	supervisor := NewSupervisor(reaper, logger)

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return reaper.Run(ctx)
	})

	eg.Go(func() error {
		return supervisor.Supervise(ctx, Process{
			Name: "pivot daemon",
			Path: cfg.SelfPath,
			Args: cfg.ServeArgs,
		})
	})

	if cfg.ShellPath != "" {
		eg.Go(func() error {
			return supervisor.Supervise(ctx, Process{
				Name:    "console shell",
				Path:    cfg.ShellPath,
				Console: cfg.ConsolePath,
			})
		})
	}

	return eg.Wait()
}

// markBootTime initializes the phase store with the boot time. The store
// lives on a tmpfs, so each machine boot starts from a fresh record.
func markBootTime(statePath string) error {
	store, err := state.Open(statePath)
	if err != nil {
		return err
	}

	defer store.Close()

	record, err := store.Load()
	if err != nil {
		return err
	}

	if !record.BootTime.IsZero() {
		return nil
	}

	record.BootTime = time.Now()

	return store.Save(record)
}
