// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"golang.org/x/sys/unix"

	"github.com/siderolabs/arceos-shadowd/pkg/scf"
)

// MaxPathLen bounds the path scan for OPEN, terminator included.
const MaxPathLen = 4096

// READ: fd, buf_offset, len.
func (e *Engine) handleRead(args scf.Args) int64 {
	buf, err := e.region.Bytes(scf.Offset(args[1]), args[2])
	if err != nil {
		return negErrno(err)
	}

	n, err := unix.Read(int(int32(args[0])), buf)
	if err != nil {
		return negErrno(err)
	}

	return int64(n)
}

// WRITE and WRITEV: fd, buf_offset, len.
func (e *Engine) handleWrite(args scf.Args) int64 {
	buf, err := e.region.Bytes(scf.Offset(args[1]), args[2])
	if err != nil {
		return negErrno(err)
	}

	n, err := unix.Write(int(int32(args[0])), buf)
	if err != nil {
		return negErrno(err)
	}

	if n != len(buf) {
		e.logger.Debug("short write", "fd", args[0], "want", len(buf), "wrote", n)
	}

	return int64(n)
}

// OPEN: path_offset, flags, mode.
func (e *Engine) handleOpen(args scf.Args) int64 {
	path, err := e.region.CString(scf.Offset(args[0]), MaxPathLen)
	if err != nil {
		return negErrno(err)
	}

	fd, err := unix.Open(path, int(int32(args[1])), uint32(args[2]))
	if err != nil {
		e.logger.Debug("open failed", "path", path, "err", err)

		return negErrno(err)
	}

	e.logger.Debug("opened file for guest", "path", path, "fd", fd)

	return int64(fd)
}

// CLOSE: fd.
func (e *Engine) handleClose(args scf.Args) int64 {
	if err := unix.Close(int(int32(args[0]))); err != nil {
		return negErrno(err)
	}

	return 0
}
