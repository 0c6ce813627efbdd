// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpivot/netpivot/internal/cmd"
	"github.com/netpivot/netpivot/internal/state"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "netpivot.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[image]
dir = "/var/lib/images"
timeout = "30s"

[pivot]
grace_period = "5s"
init_candidates = ["/sbin/custom-init"]

[detect]
serial_token = "go-back"
`)

	config, err := cmd.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/images", config.Image.Dir)
	assert.Equal(t, []string{"/sbin/custom-init"}, config.Pivot.InitCandidates)
	assert.Equal(t, "go-back", config.Detect.SerialToken)

	// Unset sections keep their defaults.
	assert.Equal(t, "/run/netpivot/state.db", config.State.Path)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "unknown key",
			content: "[image]\ndirr = \"/tmp\"\n",
		},
		{
			name:    "invalid duration",
			content: "[image]\ntimeout = \"soon\"\n",
		},
		{
			name:    "invalid syntax",
			content: "[image\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)

			_, err := cmd.LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := cmd.LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func runCLI(t *testing.T, configPath string, args ...string) (int, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	argv := append(
		[]string{"netpivot", "-config", configPath}, args...,
	)

	rc := cmd.Run(t.Context(), argv, cmd.IO{
		Stdout: &stdout,
		Stderr: &stderr,
	})

	return rc, stdout.String()
}

func TestRunUnknownCommand(t *testing.T) {
	path := writeConfig(t, "")

	rc, _ := runCLI(t, path, "frobnicate")
	assert.Equal(t, 1, rc)
}

func TestRunWithoutCommand(t *testing.T) {
	path := writeConfig(t, "")

	rc, _ := runCLI(t, path)
	assert.Equal(t, 1, rc)
}

func TestRunStatus(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.db")

	store, err := state.Open(statePath)
	require.NoError(t, err)

	require.NoError(t, store.Save(state.Record{
		Phase:        state.PhaseTarget,
		TargetPID:    123,
		LastImageURL: "http://server/root.tar.gz",
		BootTime:     time.Now(),
	}))
	require.NoError(t, store.Close())

	configPath := writeConfig(
		t, "[state]\npath = \""+statePath+"\"\n",
	)

	rc, stdout := runCLI(t, configPath, "status")
	assert.Equal(t, 0, rc)
	assert.Contains(t, stdout, "phase=target")
	assert.Contains(t, stdout, "target-pid=123")
}

func TestRunReturnWithoutDaemon(t *testing.T) {
	configPath := writeConfig(
		t,
		"[bus]\npath = \""+filepath.Join(t.TempDir(), "ctl")+"\"\n",
	)

	rc, _ := runCLI(t, configPath, "return")
	assert.Equal(t, 1, rc)
}
