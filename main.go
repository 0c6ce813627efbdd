// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// netpivot boots a machine into a minimal bootstrap environment, fetches
// root file system images over the network and pivots into them, with a
// way back that does not need a reboot.
//
// The same binary serves as the bootstrap init (run as PID 1), the pivot
// daemon and the CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/netpivot/netpivot/internal/cmd"
)

func main() {
	cfg := cmd.IO{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}

	if os.Getpid() == 1 {
		os.Exit(cmd.RunInit(context.Background(), cfg))
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGHUP,
	)

	rc := cmd.Run(ctx, os.Args, cfg)

	cancel()
	os.Exit(rc)
}
