// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package vdev talks to the ArceOS virtual device driver, which exposes the
// syscall forwarding memory, delivers virtual interrupts as signals, and runs
// hypercalls on behalf of the shadow process.
package vdev

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/arceos-shadowd/internal/util"
	"github.com/siderolabs/arceos-shadowd/pkg/hypercall"
	"github.com/siderolabs/arceos-shadowd/pkg/scf"
)

// DevicePath is where the driver registers its character device.
const DevicePath = "/dev/arceos_vdev"

// VIRQSignal is the signal the driver sends when the guest raises the virtual interrupt.
const VIRQSignal = syscall.Signal(44)

const ioctlMagic = 0xF1

// _IO(ioctlMagic, nr): no direction, no size.
func ioc(nr uint) uint {
	return ioctlMagic<<8 | nr
}

var (
	ioctlRegisterVIRQHandler   = ioc(0)
	ioctlUnregisterVIRQHandler = ioc(1)
	ioctlInvokeHypercall       = ioc(2)
)

// ErrClosed is returned when the device is used after Close.
var ErrClosed = errors.New("vdev: closed")

// Device is an open handle on the virtual device.
type Device struct {
	logger *slog.Logger
	file   *os.File
	fd     int

	regions    []mmap.MMap
	registered bool
}

// Open opens the device at path. The node may be created a little after the driver
// loads, so a missing node is retried until timeout expires or ctx is done.
func Open(ctx context.Context, logger *slog.Logger, path string, timeout time.Duration) (*Device, error) {
	var f *os.File

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = timeout

	err := backoff.RetryNotify(func() error {
		var err error

		f, err = os.OpenFile(path, os.O_RDWR, 0)
		if errors.Is(err, fs.ErrNotExist) {
			return err
		}

		if err != nil {
			return backoff.Permanent(err)
		}

		return nil
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		logger.Debug("device not there yet, retrying", "path", path, "in", d, "err", err)
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	logger.Info("opened device", "path", path)

	return &Device{
		logger: logger,
		file:   f,
		fd:     int(f.Fd()),
	}, nil
}

// RegisterVIRQHandler asks the driver to deliver VIRQSignal to this process.
func (d *Device) RegisterVIRQHandler() error {
	if d.file == nil {
		return ErrClosed
	}

	if err := unix.IoctlSetInt(d.fd, ioctlRegisterVIRQHandler, 0); err != nil {
		return fmt.Errorf("registering virq handler: %w", err)
	}

	d.registered = true
	d.logger.Debug("virq handler registered")

	return nil
}

// UnregisterVIRQHandler stops signal delivery.
func (d *Device) UnregisterVIRQHandler() error {
	if d.file == nil {
		return ErrClosed
	}

	if err := unix.IoctlSetInt(d.fd, ioctlUnregisterVIRQHandler, 0); err != nil {
		return fmt.Errorf("unregistering virq handler: %w", err)
	}

	d.registered = false
	d.logger.Debug("virq handler unregistered")

	return nil
}

// MapData maps the syscall data region.
func (d *Device) MapData() ([]byte, error) {
	return d.mapRegion("data", scf.DataRegionSize, scf.DataRegionOffset)
}

// MapQueue maps the syscall queue region. The offset only selects the region;
// the driver decides which physical pages back it.
func (d *Device) MapQueue() ([]byte, error) {
	return d.mapRegion("queue", scf.QueueRegionSize, scf.QueueRegionOffset)
}

func (d *Device) mapRegion(name string, size int, offset int64) ([]byte, error) {
	if d.file == nil {
		return nil, ErrClosed
	}

	m, err := mmap.MapRegion(d.file, size, mmap.RDWR, 0, offset)
	if err != nil {
		return nil, fmt.Errorf("mapping %s region: %w", name, err)
	}

	d.regions = append(d.regions, m)
	d.logger.Debug("mapped region", "region", name, "size", humanize.IBytes(uint64(size)), "offset", offset)

	return m, nil
}

// Invoke runs one hypercall through the driver.
func (d *Device) Invoke(args *hypercall.Args) error {
	if d.file == nil {
		return ErrClosed
	}

	util.TraceLog(d.logger, "invoking hypercall", "id", args.ID,
		"arg0", args.Arg0, "arg1", args.Arg1, "arg2", args.Arg2, "arg3", args.Arg3, "arg4", args.Arg4)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(ioctlInvokeHypercall), uintptr(unsafe.Pointer(args)))
	if errno != 0 {
		return errno
	}

	util.TraceLog(d.logger, "hypercall returned", "id", args.ID, "ret", args.ReturnValue)

	return nil
}

// MapFixed maps size bytes of the device at offset onto the fixed virtual address va.
// An address range that is already in use is never replaced: the call fails with
// EEXIST and the existing mapping is left alone.
func (d *Device) MapFixed(va uintptr, size uint64, offset uint64) error {
	if d.file == nil {
		return ErrClosed
	}

	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, va, uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED_NOREPLACE,
		uintptr(d.fd), uintptr(offset))
	if errno != 0 {
		return errno
	}

	// Kernels before 4.17 ignore MAP_FIXED_NOREPLACE and treat va as a hint.
	if addr != va {
		if _, _, errno = unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(size), 0); errno != 0 {
			d.logger.Warn("dropping misplaced mapping failed", "addr", fmt.Sprintf("0x%x", addr), "err", errno)
		}

		return unix.EEXIST
	}

	d.logger.Debug("fixed mapping", "va", fmt.Sprintf("0x%x", va), "offset", fmt.Sprintf("0x%x", offset), "size", humanize.IBytes(size))

	return nil
}

// Close unregisters the interrupt handler, unmaps the regions and closes the device.
func (d *Device) Close() error {
	if d.file == nil {
		return nil
	}

	var err error

	if d.registered {
		err = multierr.Append(err, d.UnregisterVIRQHandler())
	}

	for _, m := range d.regions {
		err = multierr.Append(err, m.Unmap())
	}

	d.regions = nil

	err = multierr.Append(err, d.file.Close())
	d.file = nil

	return err
}
