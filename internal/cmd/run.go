// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/netpivot/netpivot/internal/bus"
	"github.com/netpivot/netpivot/internal/state"
)

// IO provides input and output details for the command.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

const usageCommands = `
Commands:
  load <url>  fetch the root image at <url> and pivot into it
  return      request the return into the bootstrap environment
  status      print the current phase
  serve       run the pivot daemon
`

// Run is the main entry point for the CLI command.
func Run(ctx context.Context, args []string, cfg IO) int {
	name := filepath.Base(args[0])

	flagSet := flag.NewFlagSet(name+" [flags...] command", flag.ContinueOnError)
	flagSet.SetOutput(cfg.Stderr)

	configPath := flagSet.String(
		"config",
		DefaultConfigFile,
		"configuration file to read",
	)
	debug := flagSet.Bool(
		"debug",
		false,
		"enable debug logging",
	)

	if err := flagSet.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(cfg.Stderr, usageCommands)
			return 0
		}

		return 1
	}

	setupLogging(cfg.Stderr, *debug)

	config, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error(err.Error())
		return 1
	}

	if flagSet.NArg() == 0 {
		flagSet.Usage()
		fmt.Fprint(cfg.Stderr, usageCommands)

		return 1
	}

	err = runCommand(ctx, config, flagSet.Args(), cfg)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}

		slog.Error(err.Error())

		return 1
	}

	return 0
}

func runCommand(
	ctx context.Context,
	config Config,
	args []string,
	cfg IO,
) error {
	switch args[0] {
	case "load":
		return runLoad(ctx, config, args[1:], cfg)
	case "return":
		return runReturn(config)
	case "status":
		return runStatus(config, cfg)
	case "serve":
		return runServe(ctx, config, cfg)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}
}

// runReturn publishes a return request on the control pipe.
func runReturn(config Config) error {
	b := bus.New(config.Bus.Path, slog.Default())

	return b.Publish(bus.Signal{Kind: bus.KindReturn, Source: "cli"})
}

// runStatus prints the current phase. The store is read without taking
// the writer lock, so it works alongside the running daemon.
func runStatus(config Config, cfg IO) error {
	store, err := state.OpenReadOnly(config.State.Path)
	if err != nil {
		return err
	}

	defer store.Close()

	record, err := store.Load()
	if err != nil {
		return err
	}

	fmt.Fprintln(cfg.Stdout, record.StatusText())

	return nil
}
