// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pivot

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// System is the set of OS primitives the controller operates with.
//
// The kernel primitives themselves (root-swap, bind-mount, move-mount,
// recursive unmount) are consumed, not reimplemented. Tests substitute a
// fake.
type System interface {
	Getpid() int
	PathExists(path string) bool
	IsMountPoint(path string) bool
	MkdirAll(path string, perm fs.FileMode) error
	Remove(path string) error
	Chdir(dir string) error
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
	PivotRoot(newRoot, putOld string) error

	// Exec replaces the current process image. It only returns on error.
	Exec(path string, argv, env []string) error

	// StartProcess spawns a detached background process.
	StartProcess(path string, argv []string) (int, error)

	Signal(pid int, sig unix.Signal) error
	ProcessAlive(pid int) bool
}

// RealSystem implements [System] against the running kernel.
type RealSystem struct{}

// Getpid implements the [System] interface.
func (RealSystem) Getpid() int {
	return os.Getpid()
}

// PathExists implements the [System] interface.
func (RealSystem) PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsMountPoint implements the [System] interface. A path is a mount point
// if it lives on a different device than its parent directory.
func (RealSystem) IsMountPoint(path string) bool {
	var self, parent unix.Stat_t

	if err := unix.Stat(path, &self); err != nil {
		return false
	}

	if err := unix.Stat(filepath.Dir(path), &parent); err != nil {
		return false
	}

	return self.Dev != parent.Dev
}

// MkdirAll implements the [System] interface.
func (RealSystem) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Remove implements the [System] interface.
func (RealSystem) Remove(path string) error {
	return os.Remove(path)
}

// Chdir implements the [System] interface.
func (RealSystem) Chdir(dir string) error {
	if err := unix.Chdir(dir); err != nil {
		return fmt.Errorf("chdir %s: %w", dir, err)
	}

	return nil
}

// Mount implements the [System] interface.
func (RealSystem) Mount(
	source, target, fstype string,
	flags uintptr,
	data string,
) error {
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("mount %s: %w", target, err)
	}

	return nil
}

// Unmount implements the [System] interface.
func (RealSystem) Unmount(target string, flags int) error {
	if err := unix.Unmount(target, flags); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}

	return nil
}

// PivotRoot implements the [System] interface.
func (RealSystem) PivotRoot(newRoot, putOld string) error {
	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		return fmt.Errorf("pivot_root %s: %w", newRoot, err)
	}

	return nil
}

// Exec implements the [System] interface.
func (RealSystem) Exec(path string, argv, env []string) error {
	if err := unix.Exec(path, argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}

	return nil
}

// StartProcess implements the [System] interface.
//
// The process is started in its own session with the standard streams
// attached to the console, so it survives its parent replacing itself with
// the target init.
func (RealSystem) StartProcess(path string, argv []string) (int, error) {
	cmd := exec.Command(path, argv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", path, err)
	}

	pid := cmd.Process.Pid

	// Detach: the child is reaped by init, not waited for here.
	if err := cmd.Process.Release(); err != nil {
		return 0, fmt.Errorf("release %s: %w", path, err)
	}

	return pid, nil
}

// Signal implements the [System] interface.
func (RealSystem) Signal(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	return nil
}

// ProcessAlive implements the [System] interface.
func (RealSystem) ProcessAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
