// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"io/fs"

	"golang.org/x/sys/unix"

	"github.com/siderolabs/arceos-shadowd/pkg/scf"
)

// errnoOf picks the errno the guest sees for err.
func errnoOf(err error) unix.Errno {
	var errno unix.Errno

	switch {
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, ErrInvalidSlot), errors.Is(err, ErrSlotClosed):
		return unix.EINVAL
	case errors.Is(err, ErrSlotBusy):
		return unix.EBUSY
	case errors.Is(err, scf.ErrOutOfRange):
		return unix.EFAULT
	case errors.Is(err, scf.ErrUnterminated):
		return unix.ENAMETOOLONG
	case errors.Is(err, fs.ErrNotExist):
		return unix.ENOENT
	case errors.Is(err, fs.ErrPermission):
		return unix.EACCES
	case errors.Is(err, fs.ErrExist):
		return unix.EEXIST
	case errors.Is(err, fs.ErrInvalid):
		return unix.EINVAL
	}

	return unix.EIO
}

// negErrno encodes err the way a failed host syscall reports it.
func negErrno(err error) int64 {
	return -int64(errnoOf(err))
}
