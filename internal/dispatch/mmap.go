// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/arceos-shadowd/pkg/hypercall"
	"github.com/siderolabs/arceos-shadowd/pkg/scf"
)

const (
	// GPABase is where shadow-process guest-physical allocations start.
	GPABase = 0x60000000
	// PageSize is the allocation granule.
	PageSize = 0x1000
)

// Mapper maps device memory at offset onto a fixed virtual address of this process.
type Mapper interface {
	MapFixed(va uintptr, size uint64, offset uint64) error
}

// Arena hands out guest-physical ranges. Ranges are never returned.
type Arena struct {
	next uint64
}

// NewArena returns an Arena whose first allocation starts at base.
func NewArena(base uint64) *Arena {
	return &Arena{next: base}
}

// Alloc reserves size bytes rounded up to whole pages and returns the range start.
func (a *Arena) Alloc(size uint64) uint64 {
	gpa := a.next
	a.next += (size + PageSize - 1) &^ (PageSize - 1)

	return gpa
}

// Next returns where the following allocation starts.
func (a *Arena) Next() uint64 {
	return a.next
}

// MUST_MMAP: hpa, va, size.
func (e *Engine) handleMustMmap(args scf.Args) int64 {
	hpa, va, size := args[0], args[1], args[2]

	if size == 0 || size > math.MaxUint32 {
		e.logger.Warn("rejecting shadow mapping", "size", size)

		return -int64(unix.EINVAL)
	}

	gpa := e.arena.Alloc(size)

	l := e.logger.With(
		"hpa", fmt.Sprintf("0x%x", hpa),
		"gpa", fmt.Sprintf("0x%x", gpa),
		"va", fmt.Sprintf("0x%x", va),
		"size", humanize.IBytes(size),
	)
	l.Info("shadow mapping")

	ret, err := hypercall.EPTMappingRequest(e.caller, hpa, gpa, uint32(size))
	if err != nil {
		l.Error("EPT mapping request failed", "err", err, "ret", ret)

		if errors.Is(err, hypercall.ErrRejected) {
			if r := int32(ret); r < 0 {
				return int64(r)
			}

			return -int64(unix.EIO)
		}

		return negErrno(err)
	}

	if err = e.mapper.MapFixed(uintptr(va), size, gpa); err != nil {
		l.Error("mapping guest-physical range failed", "err", err)

		return negErrno(err)
	}

	return 0
}
