// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scf

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/josharian/native"
)

// ErrQueueFull is returned by Guest.Submit when every descriptor is outstanding.
var ErrQueueFull = errors.New("syscall queue full")

// AllocAligned returns n zeroed bytes aligned for the header's atomic words.
// It backs queues that live in process memory rather than in a device mapping.
func AllocAligned(n int) []byte {
	words := make([]uint64, (n+7)/8)

	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

// Format initializes mem as an empty queue of the given capacity, the way the
// memory owner does before the shadow process attaches.
func Format(mem []byte, capacity uint16) error {
	if !IsPowerOfTwo(capacity) {
		return fmt.Errorf("%w: %d is not a power of two", ErrInvalidCapacity, capacity)
	}

	layout := LayoutFor(capacity)
	if layout.Size > len(mem) {
		return fmt.Errorf("%w: %d entries need %d bytes, region has %d", ErrInvalidCapacity, capacity, layout.Size, len(mem))
	}

	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return ErrMisaligned
	}

	clear(mem[:layout.Size])
	native.Endian.PutUint32(mem[offMagic:], Magic)
	native.Endian.PutUint16(mem[offCapacity:], capacity)

	return nil
}

// Completion is a response observed by the guest.
type Completion struct {
	Index  uint16
	RetVal int64
}

// Guest is the producer half of the queue. The shadow process never runs it
// against a real device; it drives loopback self tests.
type Guest struct {
	hdr    header
	layout Layout
	mask   uint16

	rspLast uint16

	desc    []byte
	reqRing []byte
	rspRing []byte
}

// NewGuest attaches a producer to a formatted queue region.
func NewGuest(mem []byte) (*Guest, error) {
	hdr, layout, err := validate(mem)
	if err != nil {
		return nil, err
	}

	return &Guest{
		hdr:     hdr,
		layout:  layout,
		mask:    layout.Capacity - 1,
		rspLast: hdr.RspIndex(),
		desc:    mem[layout.Descriptors:layout.RequestRing],
		reqRing: mem[layout.RequestRing:layout.ResponseRing],
		rspRing: mem[layout.ResponseRing:layout.Size],
	}, nil
}

// Submit fills descriptor index and appends it to the request ring.
func (g *Guest) Submit(index uint16, op Opcode, args Offset) error {
	if index > g.mask {
		return fmt.Errorf("%w: %d, capacity %d", ErrInvalidIndex, index, g.layout.Capacity)
	}

	g.hdr.Lock()
	defer g.hdr.Unlock()

	if g.hdr.ReqIndex()-g.rspLast >= g.layout.Capacity {
		return ErrQueueFull
	}

	writeDescriptor(g.desc[int(index)*DescriptorSize:], Descriptor{
		Valid:  1,
		Opcode: op,
		Args:   args,
	})

	g.appendLocked(index)

	return nil
}

// Enqueue appends a raw ring entry without touching the descriptor table.
// Nothing checks entry against the capacity.
func (g *Guest) Enqueue(entry uint16) {
	g.hdr.Lock()
	defer g.hdr.Unlock()

	g.appendLocked(entry)
}

func (g *Guest) appendLocked(entry uint16) {
	req := g.hdr.ReqIndex()
	native.Endian.PutUint16(g.reqRing[int(req&g.mask)*ringEntrySize:], entry)
	g.hdr.SetReqIndex(req + 1)
}

// Completions returns the responses published since the last call.
func (g *Guest) Completions() []Completion {
	g.hdr.Lock()
	defer g.hdr.Unlock()

	var out []Completion

	for rsp := g.hdr.RspIndex(); g.rspLast != rsp; g.rspLast++ {
		idx := native.Endian.Uint16(g.rspRing[int(g.rspLast&g.mask)*ringEntrySize:])
		if idx > g.mask {
			continue
		}

		d := readDescriptor(g.desc[int(idx)*DescriptorSize:])
		out = append(out, Completion{Index: idx, RetVal: int64(d.RetVal)})
	}

	return out
}
