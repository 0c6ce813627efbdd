// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package detect runs the monitors that produce return signals.
//
// Every detector whose prerequisite device exists is started
// unconditionally and runs concurrently in its own goroutine. Detectors
// never return results to a caller; they only publish signals to the bus,
// which serializes consumption. The first detector to fire wins.
package detect

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/netpivot/netpivot/internal/bus"
)

// Sink consumes the signals a detector produces. It is implemented by
// [bus.Bus].
type Sink interface {
	Publish(bus.Signal) error
}

func signalReturn(source string) bus.Signal {
	return bus.Signal{Kind: bus.KindReturn, Source: source}
}

// Detector produces a return signal when its trigger fires.
type Detector interface {
	// Name identifies the detector instance in logs and signal sources.
	Name() string

	// Available reports whether the detector's prerequisite device exists.
	Available() bool

	// Run blocks reading the detector's device until the context is
	// canceled or the device goes away.
	Run(ctx context.Context) error
}

// Set supervises a fixed set of detectors with an explicit start, stop and
// restart lifecycle.
//
// The pivot controller restarts the whole set after every successful return.
type Set struct {
	log       *slog.Logger
	detectors []Detector

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewSet creates a supervisor for the given detectors.
func NewSet(logger *slog.Logger, detectors ...Detector) *Set {
	return &Set{
		log:       logger,
		detectors: detectors,
	}
}

// Start runs every available detector in its own goroutine.
//
// A detector failure is scoped to that detector: it is logged and the
// remaining detectors keep running.
func (s *Set) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startLocked(ctx)
}

func (s *Set) startLocked(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)

	s.cancel = cancel
	s.group = group

	for _, detector := range s.detectors {
		if !detector.Available() {
			s.log.Debug("Detector prerequisite missing, skipping",
				slog.String("detector", detector.Name()))

			continue
		}

		s.log.Info("Starting detector",
			slog.String("detector", detector.Name()))

		group.Go(func() error {
			err := detector.Run(runCtx)
			if err != nil && runCtx.Err() == nil {
				s.log.Warn("Detector stopped",
					slog.String("detector", detector.Name()),
					slog.Any("error", err))
			}

			// Never propagate: one failing detector must not take the
			// others down.
			return nil
		})
	}
}

// Stop cancels all running detectors and waits for them to exit.
func (s *Set) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
}

func (s *Set) stopLocked() {
	if s.cancel == nil {
		return
	}

	s.cancel()
	_ = s.group.Wait()

	s.cancel = nil
	s.group = nil
}

// Restart stops all detectors and starts them again.
func (s *Set) Restart(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.startLocked(ctx)
}
