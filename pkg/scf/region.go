// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scf

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/josharian/native"
)

var (
	// ErrOutOfRange is returned when an offset does not resolve inside the data region.
	ErrOutOfRange = errors.New("offset outside of data region")

	// ErrUnterminated is returned when a string in the data region has no NUL terminator within bounds.
	ErrUnterminated = errors.New("string is not NUL terminated")
)

// Offset is a byte offset from the base of the data region. It is the only kind
// of reference that means the same thing in the guest and in this process.
type Offset uint64

// Region is the locally mapped data region. All offsets coming from the guest are
// untrusted and resolved through Bytes, which checks them against the mapping.
type Region struct {
	mem []byte
}

// NewRegion wraps a mapped data region.
func NewRegion(mem []byte) *Region {
	return &Region{mem: mem}
}

// Size returns the size of the region.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// Bytes resolves [off, off+n) to a slice of the region.
func (r *Region) Bytes(off Offset, n uint64) ([]byte, error) {
	size := r.Size()
	if uint64(off) > size || n > size-uint64(off) {
		return nil, fmt.Errorf("%w: [0x%x, +0x%x) in region of 0x%x bytes", ErrOutOfRange, uint64(off), n, size)
	}

	end := uint64(off) + n

	return r.mem[off:end:end], nil
}

// CString reads a NUL-terminated string starting at off, scanning at most limit bytes.
func (r *Region) CString(off Offset, limit int) (string, error) {
	if uint64(off) >= r.Size() {
		return "", fmt.Errorf("%w: string at 0x%x", ErrOutOfRange, uint64(off))
	}

	b := r.mem[off:]
	if len(b) > limit {
		b = b[:limit]
	}

	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", fmt.Errorf("%w: string at 0x%x", ErrUnterminated, uint64(off))
	}

	return string(b[:i]), nil
}

// Args decodes the argument block at off.
func (r *Region) Args(off Offset) (Args, error) {
	var args Args

	b, err := r.Bytes(off, ArgsSize)
	if err != nil {
		return args, err
	}

	for i := range args {
		args[i] = native.Endian.Uint64(b[i*8:])
	}

	return args, nil
}

// PutArgs encodes an argument block at off. It is the guest half of Args.
func (r *Region) PutArgs(off Offset, args Args) error {
	b, err := r.Bytes(off, ArgsSize)
	if err != nil {
		return err
	}

	for i, a := range args {
		native.Endian.PutUint64(b[i*8:], a)
	}

	return nil
}
