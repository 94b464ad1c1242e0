// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package dispatch drains the syscall queue and runs each request on the host.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/arceos-shadowd/internal/util"
	"github.com/siderolabs/arceos-shadowd/pkg/hypercall"
	"github.com/siderolabs/arceos-shadowd/pkg/scf"
)

// Handler executes one decoded request and returns the value published to the guest:
// a byte count, a file descriptor, zero, or a negated errno.
type Handler func(args scf.Args) int64

// ReportLockStalls makes lock-order diagnostics log a warning through logger
// instead of exiting the process. A guest READ on a pipe may hold the engine lock
// for as long as the pipe stays empty, so Close can legitimately wait past the
// diagnostics timeout.
func ReportLockStalls(logger *slog.Logger) {
	deadlock.Opts.OnPotentialDeadlock = func() {
		logger.Warn("engine lock held longer than expected", "timeout", deadlock.Opts.DeadlockTimeout)
	}
}

// Engine turns queued descriptors into host operations.
type Engine struct {
	logger *slog.Logger

	queue  *scf.Queue
	region *scf.Region
	caller hypercall.Caller
	mapper Mapper
	disks  *VDisks
	arena  *Arena

	// draining is set while a drain runs. A second caller returns instead of
	// queueing behind a handler that may block for as long as the guest's read does.
	draining atomic.Bool

	// mu guards the queue's counters and the disk slots.
	mu deadlock.Mutex

	handlers map[scf.Opcode]Handler
}

// New builds an Engine with every known opcode registered.
func New(logger *slog.Logger, queue *scf.Queue, region *scf.Region, caller hypercall.Caller, mapper Mapper, disks *VDisks) *Engine {
	e := &Engine{
		logger:   logger,
		queue:    queue,
		region:   region,
		caller:   caller,
		mapper:   mapper,
		disks:    disks,
		arena:    NewArena(GPABase),
		handlers: make(map[scf.Opcode]Handler),
	}

	e.RegisterHandler(scf.OpNop, func(scf.Args) int64 { return 0 })
	e.RegisterHandler(scf.OpRead, e.handleRead)
	e.RegisterHandler(scf.OpWrite, e.handleWrite)
	e.RegisterHandler(scf.OpWritev, e.handleWrite)
	e.RegisterHandler(scf.OpOpen, e.handleOpen)
	e.RegisterHandler(scf.OpClose, e.handleClose)
	e.RegisterHandler(scf.OpMustMmap, e.handleMustMmap)
	e.RegisterHandler(scf.OpOpenVDisk, e.handleOpenVDisk)
	e.RegisterHandler(scf.OpReadVDiskBlock, e.handleReadVDiskBlock)
	e.RegisterHandler(scf.OpWriteVDiskBlock, e.handleWriteVDiskBlock)

	return e
}

// RegisterHandler adds or replaces the Handler for op.
func (e *Engine) RegisterHandler(op scf.Opcode, handler Handler) {
	e.logger.Debug("registering opcode handler", "opcode", op)
	e.handlers[op] = handler
}

// Drain pops and answers requests until the queue is empty. It returns how many
// requests were answered. A protocol error stops the drain; the queue must not be
// used after that.
//
// If another drain is already running, Drain returns 0 at once: the running drain
// picks up anything queued since it started.
func (e *Engine) Drain() (int, error) {
	if !e.draining.CompareAndSwap(false, true) {
		util.TraceLog(e.logger, "drain already in progress")

		return 0, nil
	}

	defer e.draining.Store(false)

	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0

	for {
		req, ok, err := e.queue.Pop()
		if err != nil {
			e.logger.Error("protocol error while draining", "err", err, "answered", n)

			return n, fmt.Errorf("draining syscall queue: %w", err)
		}

		if !ok {
			if n > 0 {
				util.TraceLog(e.logger, "queue drained", "answered", n)
			}

			return n, nil
		}

		ret := e.dispatch(req)

		if err = e.queue.Push(req.Index, uint64(ret)); err != nil {
			e.logger.Error("publishing response failed", "err", err, "index", req.Index)

			return n, fmt.Errorf("publishing response: %w", err)
		}

		n++
	}
}

// dispatch runs the handler for one request. The returned value is always published.
func (e *Engine) dispatch(req scf.Request) int64 {
	l := e.logger.With("index", req.Index, "opcode", req.Opcode)

	handler, ok := e.handlers[req.Opcode]
	if !ok {
		l.Debug("unknown opcode")

		return -int64(unix.EINVAL)
	}

	var args scf.Args

	// NOP carries no argument block.
	if req.Opcode != scf.OpNop {
		var err error

		args, err = e.region.Args(req.Args)
		if err != nil {
			l.Warn("argument block outside data region", "err", err, "args", uint64(req.Args))

			return -int64(unix.EFAULT)
		}
	}

	ret := handler(args)
	util.TraceLog(l, "dispatched", "args", args, "ret", ret)

	return ret
}

// Close releases the virtual disks. It waits for a running drain to finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error

	if e.disks != nil {
		err = multierr.Append(err, e.disks.Close())
	}

	return err
}
