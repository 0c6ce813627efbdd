// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"path"

	"github.com/netpivot/netpivot/internal/bus"
	"github.com/netpivot/netpivot/internal/image"
)

// runLoad requests loading a new root image.
//
// The image server is checked first, so an unreachable or missing image
// fails the command directly instead of surfacing only in the daemon log.
// The pivot itself is performed by the daemon consuming the control pipe.
func runLoad(ctx context.Context, config Config, args []string, cfg IO) error {
	flagSet := flag.NewFlagSet("load [flags...] url", flag.ContinueOnError)
	flagSet.SetOutput(cfg.Stderr)

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return ErrMissingURL
	}

	imageURL := flagSet.Arg(0)

	acquirer := image.New(config.Image.Timeout.std())
	if err := acquirer.CheckReachable(ctx, imageURL); err != nil {
		return err
	}

	b := bus.New(config.Bus.Path, slog.Default())

	err := b.Publish(bus.Signal{
		Kind:    bus.KindLoad,
		Source:  "cli",
		Payload: imageURL,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cfg.Stdout, "load requested: %s\n", imageURL)

	return nil
}

// imageFileName derives the local file name for a fetched image from its
// URL.
func imageFileName(imageURL string) string {
	parsed, err := url.Parse(imageURL)
	if err != nil {
		return "image"
	}

	name := path.Base(parsed.Path)
	if name == "." || name == "/" || name == "" {
		return "image"
	}

	return name
}
