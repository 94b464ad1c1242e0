// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package shadow runs the drain loop of the shadow process.
//
// The guest announces new requests with a virtual interrupt, which the driver
// turns into a signal. Signals, a periodic tick and explicit Notify calls only
// wake a single worker goroutine; the worker is the one place that drains.
package shadow

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/siderolabs/arceos-shadowd/internal/util"
)

// DefaultTick is the polling interval used when none is configured.
const DefaultTick = 100 * time.Millisecond

// Drainer empties the syscall queue and reports how many requests it answered.
type Drainer interface {
	Drain() (int, error)
}

// Service wakes a Drainer on interrupts and ticks.
type Service struct { //nolint:govet
	logger  *slog.Logger
	drainer Drainer

	tick    time.Duration
	signals []os.Signal

	wake    chan struct{}
	sigs    chan os.Signal
	stop    chan struct{}
	stopped sync.Once
	wg      *sync.WaitGroup

	mu  sync.Mutex
	err error
}

// NewService returns a Service that drains d every tick and whenever one of
// signals arrives. A zero tick selects DefaultTick.
func NewService(log *slog.Logger, d Drainer, tick time.Duration, signals ...os.Signal) *Service {
	if tick <= 0 {
		tick = DefaultTick
	}

	return &Service{
		logger:  log,
		drainer: d,
		tick:    tick,
		signals: signals,
		wake:    make(chan struct{}, 1),
		sigs:    make(chan os.Signal, 1),
		stop:    make(chan struct{}),
		wg:      new(sync.WaitGroup),
	}
}

// Notify schedules a drain. Calls made while one is already pending collapse into it.
func (s *Service) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start subscribes to the signals and starts the worker. The first drain runs
// right away so requests queued before startup are not left waiting for a tick.
func (s *Service) Start() error {
	if len(s.signals) > 0 {
		signal.Notify(s.sigs, s.signals...)
	}

	s.Notify()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer signal.Stop(s.sigs)

		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case sig := <-s.sigs:
				util.TraceLog(s.logger, "virtual interrupt", "signal", sig)
			case <-s.wake:
			case <-ticker.C:
			}

			if !s.drain() {
				return
			}
		}
	}()

	return nil
}

// drain returns false once the queue can no longer be trusted.
func (s *Service) drain() bool {
	n, err := s.drainer.Drain()
	if err != nil {
		s.logger.Error("stopping after protocol error", "err", err)

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		return false
	}

	if n > 0 {
		s.logger.Debug("drained syscall queue", "requests", n)
	}

	return true
}

// Stop cancels the worker created via Start.
func (s *Service) Stop() {
	s.stopped.Do(func() {
		close(s.stop)
	})
}

// Wait blocks until the worker exits, letting a drain in progress finish. It returns
// the protocol error that stopped the worker, if any.
func (s *Service) Wait() error {
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}
