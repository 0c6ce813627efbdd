// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/netpivot/netpivot/internal/boot"
)

// RunInit is the entry point when the binary runs as PID 1. It brings up
// the bootstrap environment and supervises the pivot daemon and the
// console shell.
func RunInit(ctx context.Context, cfg IO) int {
	setupLogging(cfg.Stderr, false)

	config, err := LoadConfig(DefaultConfigFile)
	if err != nil {
		slog.Error("Reading configuration failed, using defaults",
			slog.Any("error", err))

		config = DefaultConfig()
	}

	exe, err := os.Executable()
	if err != nil {
		exe = "/init"
	}

	err = boot.Run(ctx, slog.Default(), boot.Config{
		StatePath:   config.State.Path,
		RuntimeDir:  config.Boot.RuntimeDir,
		ImageDir:    config.Image.Dir,
		SelfPath:    exe,
		ServeArgs:   serveArgs(config),
		ShellPath:   config.Boot.Shell,
		ConsolePath: config.Detect.Console,
	})
	if err != nil {
		slog.Error("Bootstrap init failed", slog.Any("error", err))
		return 1
	}

	return 0
}

func serveArgs(config Config) []string {
	var args []string

	if config.source != "" {
		args = append(args, "-config", config.source)
	}

	return append(args, "serve")
}
