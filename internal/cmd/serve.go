// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/netpivot/netpivot/internal/bus"
	"github.com/netpivot/netpivot/internal/detect"
	"github.com/netpivot/netpivot/internal/image"
	"github.com/netpivot/netpivot/internal/install"
	"github.com/netpivot/netpivot/internal/pivot"
	"github.com/netpivot/netpivot/internal/state"
)

// runServe runs the pivot daemon.
//
// The daemon owns the phase store, consumes the control pipe and
// supervises the trigger detectors. A load signal makes this process pivot
// and become the target init; the handler instance it spawns through the
// back-reference takes over until the return completes, then exits so the
// bootstrap init can start a fresh daemon.
func runServe(ctx context.Context, config Config, cfg IO) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := state.Open(config.State.Path)
	if err != nil {
		return err
	}

	defer store.Close()

	b := bus.New(config.Bus.Path, slog.Default())
	if err := b.Create(); err != nil {
		return err
	}

	inBootstrap := func() bool {
		record, err := store.Load()
		return err == nil && record.Phase == state.PhaseBootstrap
	}

	detectors := detect.NewSet(
		slog.Default(),
		buildDetectors(config, b, inBootstrap)...,
	)

	loader := &imageLoader{
		config:   config,
		acquirer: image.New(config.Image.Timeout.std()),
	}

	var ctrl *pivot.Controller

	ctrl = pivot.New(store, pivot.RealSystem{}, detectors, slog.Default(),
		pivot.Config{
			BackRef:      config.Pivot.BackRef,
			GracePeriod:  config.Pivot.GracePeriod.std(),
			HandlerPath:  handlerPath(config),
			HandlerArgs:  handlerArgs(config),
			StatusWriter: cfg.Stdout,
			LoadImage: func(ctx context.Context, url string) error {
				return loader.load(ctx, url, ctrl)
			},
			// A completed return ends this daemon. The bootstrap init
			// supervises a fresh instance.
			OnReturned: cancel,
		})

	detectors.Start(ctx)
	defer detectors.Stop()
	defer ctrl.Wait()

	err = b.Serve(ctx, func(signal bus.Signal) {
		ctrl.DispatchSignal(ctx, signal)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// legacyKeycodeDevice is the input device the degraded key-scan variant
// reads.
const legacyKeycodeDevice = "/dev/input/event0"

// buildDetectors assembles the return trigger detectors. Every variant is
// wired up; detectors whose device is absent are skipped at start. The
// degraded key-scan variant runs alongside the modifier-tracking ones, a
// duplicate trigger is rejected by the in-flight guard.
func buildDetectors(
	config Config,
	sink detect.Sink,
	inBootstrap func() bool,
) []detect.Detector {
	logger := slog.Default()

	var detectors []detect.Detector

	for _, device := range detect.EventDevices() {
		detectors = append(detectors, detect.NewEventDeviceDetector(
			device, config.Detect.TriggerKeycode, sink, logger,
		))
	}

	detectors = append(detectors, detect.NewLegacyKeycodeDetector(
		legacyKeycodeDevice, config.Detect.TriggerKeycode, sink, logger,
	))

	detectors = append(detectors, detect.NewRawConsoleDetector(
		config.Detect.Console,
		[]byte(config.Detect.ConsoleEscape),
		inBootstrap,
		sink,
		logger,
	))

	detectors = append(detectors, detect.NewSerialDetector(
		config.Detect.SerialToken, sink, logger,
	))

	return detectors
}

// handlerPath is this executable as reachable through the back-reference
// after the forward pivot.
func handlerPath(config Config) string {
	exe, err := os.Executable()
	if err != nil {
		exe = "/usr/bin/netpivot"
	}

	return filepath.Join(config.Pivot.BackRef, exe)
}

func handlerArgs(config Config) []string {
	var args []string

	if config.source != "" {
		args = append(args,
			"-config", filepath.Join(config.Pivot.BackRef, config.source),
		)
	}

	return append(args, "serve")
}

// imageLoader performs the daemon side of a load request.
type imageLoader struct {
	config   Config
	acquirer *image.Acquirer
}

func (l *imageLoader) load(
	ctx context.Context,
	imageURL string,
	ctrl *pivot.Controller,
) error {
	dest := filepath.Join(l.config.Image.Dir, imageFileName(imageURL))

	artifact, err := l.acquirer.Fetch(ctx, imageURL, dest)
	if err != nil {
		return err
	}

	slog.Info("Image fetched",
		slog.String("url", imageURL),
		slog.Int64("size", artifact.Size))

	rootDir := filepath.Join(l.config.Image.Dir, "root")

	switch artifact.Format {
	case image.FormatSquashfs:
		err = install.InstallSquashfs(artifact, rootDir)
	default:
		// Replace a root left behind by an earlier load.
		if err := os.RemoveAll(rootDir); err != nil {
			return fmt.Errorf("clear previous root: %w", err)
		}

		err = install.InstallArchive(artifact, rootDir)
	}

	if err != nil {
		return err
	}

	candidates := l.config.Pivot.InitCandidates
	if len(candidates) == 0 {
		candidates = install.DefaultInitCandidates()
	}

	initPath, err := install.FindInit(rootDir, candidates)
	if err != nil {
		return err
	}

	slog.Info("Root installed",
		slog.String("root", rootDir),
		slog.String("init", initPath))

	return ctrl.Forward(ctx, rootDir, initPath, imageURL)
}
