// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package detect

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const serialInfoFile = "/proc/tty/driver/serial"

// SerialDetector reads the first connected serial device line-wise and
// fires when the magic token appears as a substring of a line.
type SerialDetector struct {
	InfoFile string
	Token    string

	sink Sink
	log  *slog.Logger
}

// NewSerialDetector creates a detector for the first connected serial
// device.
func NewSerialDetector(
	token string,
	sink Sink,
	logger *slog.Logger,
) *SerialDetector {
	return &SerialDetector{
		InfoFile: serialInfoFile,
		Token:    token,
		sink:     sink,
		log:      logger,
	}
}

// Name implements the [Detector] interface.
func (d *SerialDetector) Name() string {
	return "serial"
}

// Available implements the [Detector] interface.
func (d *SerialDetector) Available() bool {
	device, err := d.firstDevice()
	return err == nil && device != ""
}

// Run implements the [Detector] interface.
func (d *SerialDetector) Run(ctx context.Context) error {
	device, err := d.firstDevice()
	if err != nil {
		return err
	}

	if device == "" {
		return fmt.Errorf("%w: no connected serial device", os.ErrNotExist)
	}

	file, err := os.Open(device)
	if err != nil {
		return fmt.Errorf("open %s: %w", device, err)
	}

	defer func() {
		_ = file.Close()
	}()

	if err := configureSerial(int(file.Fd())); err != nil {
		d.log.Debug("Serial configuration failed, reading as is",
			slog.String("device", device),
			slog.Any("error", err))
	}

	stop := closeOnDone(ctx, file)
	defer stop()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if !strings.Contains(scanner.Text(), d.Token) {
			continue
		}

		err := d.sink.Publish(signalReturn(d.Name()))
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read %s: %w", device, err)
	}

	return nil
}

func (d *SerialDetector) firstDevice() (string, error) {
	serialInfo, err := os.ReadFile(d.InfoFile)
	if err != nil {
		return "", fmt.Errorf("read serial info: %w", err)
	}

	ports := connectedSerialPorts(serialInfo)
	if len(ports) == 0 {
		return "", nil
	}

	return "/dev/ttyS" + strconv.Itoa(ports[0]), nil
}

// connectedSerialPorts parses the serial driver info file and returns the
// ports that have a detected UART.
//
// File layout:
//
//	serinfo:1.0 driver revision:
//	0: uart:16550A port:000003F8 irq:4 tx:126 rx:0 RTS|CTS|DTR|DSR|CD
//	1: uart:unknown port:000002F8 irq:3
func connectedSerialPorts(serialInfo []byte) []int {
	var ports []int

	for line := range bytes.Lines(serialInfo) {
		if !bytes.Contains(line, []byte("uart")) ||
			bytes.Contains(line, []byte("uart:unknown")) {
			continue
		}

		portField, _, found := bytes.Cut(line, []byte(":"))
		if !found {
			continue
		}

		port, err := strconv.Atoi(string(bytes.TrimSpace(portField)))
		if err != nil {
			continue
		}

		ports = append(ports, port)
	}

	return ports
}

// configureSerial sets up 8N1 line discipline with echo disabled, keeping
// canonical mode so reads return whole lines.
func configureSerial(fd int) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	termios.Lflag &^= unix.ECHO

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}

	return nil
}
