// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package install

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

const loopControlPath = "/dev/loop-control"

// attachLoop attaches the file read-only to a free loop device and returns
// the device path.
//
// The device is configured with the autoclear flag, so it detaches itself
// once the last mount using it is gone.
func attachLoop(path string) (string, error) {
	ctl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("open loop control: %w", err)
	}

	defer func() {
		_ = ctl.Close()
	}()

	num, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return "", fmt.Errorf("get free loop device: %w", err)
	}

	devPath := "/dev/loop" + strconv.Itoa(num)

	dev, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", devPath, err)
	}

	defer func() {
		_ = dev.Close()
	}()

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	err = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(file.Fd()))
	if err != nil {
		return "", fmt.Errorf("attach image to %s: %w", devPath, err)
	}

	info := unix.LoopInfo64{
		Flags: unix.LO_FLAGS_AUTOCLEAR | unix.LO_FLAGS_READ_ONLY,
	}
	copy(info.File_name[:], path)

	err = unix.IoctlLoopSetStatus64(int(dev.Fd()), &info)
	if err != nil {
		detachLoop(devPath)
		return "", fmt.Errorf("configure %s: %w", devPath, err)
	}

	return devPath, nil
}

// detachLoop detaches the loop device again. Best effort, used for cleanup
// after a failed mount.
func detachLoop(devPath string) {
	dev, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return
	}

	defer func() {
		_ = dev.Close()
	}()

	_ = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
}
