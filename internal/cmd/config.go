// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultConfigFile is the configuration file read if no other path is
// given. It may be absent; defaults apply then.
const DefaultConfigFile = "/etc/netpivot.toml"

// duration makes [time.Duration] usable in TOML fields.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = duration(parsed)

	return nil
}

func (d duration) std() time.Duration {
	return time.Duration(d)
}

// Config is the complete configuration of all commands.
type Config struct {
	Image  ImageConfig  `toml:"image"`
	State  StateConfig  `toml:"state"`
	Bus    BusConfig    `toml:"bus"`
	Pivot  PivotConfig  `toml:"pivot"`
	Detect DetectConfig `toml:"detect"`
	Boot   BootConfig   `toml:"boot"`

	// source is the file the configuration was loaded from. Empty if only
	// defaults apply.
	source string
}

// ImageConfig configures image acquisition.
type ImageConfig struct {
	// Dir is where fetched images are stored and installed.
	Dir string `toml:"dir"`

	// Timeout bounds each HTTP request.
	Timeout duration `toml:"timeout"`
}

// StateConfig configures the phase store.
type StateConfig struct {
	Path string `toml:"path"`
}

// BusConfig configures the control pipe.
type BusConfig struct {
	Path string `toml:"path"`
}

// PivotConfig configures the root-swaps.
type PivotConfig struct {
	BackRef        string   `toml:"back_ref"`
	GracePeriod    duration `toml:"grace_period"`
	InitCandidates []string `toml:"init_candidates"`
}

// DetectConfig configures the return trigger detectors.
type DetectConfig struct {
	// TriggerKeycode is the key that, pressed together with ctrl and alt,
	// requests the return.
	TriggerKeycode uint16 `toml:"trigger_keycode"`

	// SerialToken is the line substring on the serial port that requests
	// the return.
	SerialToken string `toml:"serial_token"`

	// ConsoleEscape is the raw console byte sequence that requests the
	// return.
	ConsoleEscape string `toml:"console_escape"`

	// Console is the console device the raw detector reads.
	Console string `toml:"console"`
}

// BootConfig configures the bootstrap init.
type BootConfig struct {
	RuntimeDir string `toml:"runtime_dir"`
	Shell      string `toml:"shell"`
}

// DefaultConfig returns the configuration used without any configuration
// file.
func DefaultConfig() Config {
	return Config{
		Image: ImageConfig{
			Dir:     "/run/netpivot/images",
			Timeout: duration(time.Minute),
		},
		State: StateConfig{
			Path: "/run/netpivot/state.db",
		},
		Bus: BusConfig{
			Path: "/run/netpivot/ctl",
		},
		Pivot: PivotConfig{
			BackRef:     "/oldroot",
			GracePeriod: duration(10 * time.Second),
		},
		Detect: DetectConfig{
			// KEY_DELETE, so ctrl-alt-del requests the return.
			TriggerKeycode: 111,
			SerialToken:    "netpivot-return",
			// Double ctrl-], like leaving a telnet session twice.
			ConsoleEscape: "\x1d\x1d",
			Console:       "/dev/console",
		},
		Boot: BootConfig{
			RuntimeDir: "/run/netpivot",
			Shell:      "/bin/sh",
		},
	}
}

// LoadConfig reads the configuration file at the given path on top of the
// defaults. A missing [DefaultConfigFile] is not an error; any explicitly
// given path must exist.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	meta, err := toml.DecodeFile(path, &config)

	switch {
	case errors.Is(err, fs.ErrNotExist) && path == DefaultConfigFile:
		return config, nil
	case err != nil:
		return config, fmt.Errorf("read config %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config, fmt.Errorf(
			"%w: %s", ErrUnknownConfigKey, undecoded[0].String(),
		)
	}

	config.source = path

	return config, nil
}
