// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scf

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/josharian/native"
)

var (
	// ErrProtocolMismatch is returned by Attach when the header magic is wrong.
	ErrProtocolMismatch = errors.New("syscall queue magic mismatch")

	// ErrInvalidCapacity is returned by Attach when the capacity is zero, not a power of two,
	// or does not fit in the mapped region.
	ErrInvalidCapacity = errors.New("invalid syscall queue capacity")

	// ErrCorruptIndex is returned by Pop when the request ring holds an out-of-range descriptor index.
	ErrCorruptIndex = errors.New("corrupt descriptor index in request ring")

	// ErrInvalidIndex is returned by Push for an out-of-range descriptor index.
	ErrInvalidIndex = errors.New("invalid descriptor index")

	// ErrMisaligned is returned when the mapped region is not 8-byte aligned.
	ErrMisaligned = errors.New("queue region is not 8-byte aligned")
)

// Request is a descriptor popped from the request ring, together with its table index.
type Request struct {
	Index uint16
	Descriptor
}

// Queue is the host-side runtime view of an attached syscall queue. It is never
// shared: the header counters are the only state the guest sees. A Queue must not
// be used from more than one goroutine at a time.
type Queue struct {
	hdr    header
	layout Layout
	mask   uint16

	// reqLast is the request counter value already consumed by this process.
	reqLast uint16
	// rspShadow is the local copy of the response counter, published after every Push.
	rspShadow uint16

	desc    []byte
	reqRing []byte
	rspRing []byte
}

// Attach validates the header at the base of mem and builds the runtime view.
//
// Requests between the published response counter and the request counter are
// treated as pending, so a fresh queue starts draining at zero and a re-attached
// queue picks up the requests nobody answered yet.
func Attach(mem []byte) (*Queue, error) {
	hdr, layout, err := validate(mem)
	if err != nil {
		return nil, err
	}

	rsp := hdr.RspIndex()

	return &Queue{
		hdr:       hdr,
		layout:    layout,
		mask:      layout.Capacity - 1,
		reqLast:   rsp,
		rspShadow: rsp,
		desc:      mem[layout.Descriptors:layout.RequestRing],
		reqRing:   mem[layout.RequestRing:layout.ResponseRing],
		rspRing:   mem[layout.ResponseRing:layout.Size],
	}, nil
}

func validate(mem []byte) (header, Layout, error) {
	if len(mem) < HeaderSize {
		return header{}, Layout{}, fmt.Errorf("%w: region of %d bytes cannot hold a header", ErrProtocolMismatch, len(mem))
	}

	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return header{}, Layout{}, ErrMisaligned
	}

	hdr := newHeader(mem)

	if magic := hdr.Magic(); magic != Magic {
		return header{}, Layout{}, fmt.Errorf("%w: got 0x%08x, expected 0x%08x", ErrProtocolMismatch, magic, Magic)
	}

	capacity := hdr.Capacity()
	if !IsPowerOfTwo(capacity) {
		return header{}, Layout{}, fmt.Errorf("%w: %d is not a power of two", ErrInvalidCapacity, capacity)
	}

	layout := LayoutFor(capacity)
	if layout.Size > len(mem) {
		return header{}, Layout{}, fmt.Errorf("%w: %d entries need %d bytes, region has %d", ErrInvalidCapacity, capacity, layout.Size, len(mem))
	}

	return hdr, layout, nil
}

// Capacity returns the number of descriptors.
func (q *Queue) Capacity() uint16 {
	return q.layout.Capacity
}

// Counters returns the header's request and response counters.
func (q *Queue) Counters() (req, rsp uint16) {
	return q.hdr.ReqIndex(), q.hdr.RspIndex()
}

// Pop takes the next request from the request ring. It never blocks: ok is false
// when there is nothing new to consume. A corrupt ring entry is a protocol error.
func (q *Queue) Pop() (Request, bool, error) {
	q.hdr.Lock()
	defer q.hdr.Unlock()

	// the atomic load of the counter orders the ring read below after it
	if q.reqLast == q.hdr.ReqIndex() {
		return Request{}, false, nil
	}

	slot := int(q.reqLast&q.mask) * ringEntrySize
	idx := native.Endian.Uint16(q.reqRing[slot:])

	if idx > q.mask {
		return Request{}, false, fmt.Errorf("%w: ring slot %d holds %d, capacity %d", ErrCorruptIndex, q.reqLast&q.mask, idx, q.layout.Capacity)
	}

	req := Request{
		Index:      idx,
		Descriptor: q.descriptor(idx),
	}

	q.reqLast++

	return req, true, nil
}

// Push stores retVal into descriptor index and publishes index on the response ring.
func (q *Queue) Push(index uint16, retVal uint64) error {
	q.hdr.Lock()
	defer q.hdr.Unlock()

	if index > q.mask {
		return fmt.Errorf("%w: %d, capacity %d", ErrInvalidIndex, index, q.layout.Capacity)
	}

	native.Endian.PutUint64(q.desc[int(index)*DescriptorSize+descOffRetVal:], retVal)

	slot := int(q.rspShadow&q.mask) * ringEntrySize
	native.Endian.PutUint16(q.rspRing[slot:], index)

	q.rspShadow++
	q.hdr.SetRspIndex(q.rspShadow)

	return nil
}

func (q *Queue) descriptor(idx uint16) Descriptor {
	return readDescriptor(q.desc[int(idx)*DescriptorSize:])
}

func readDescriptor(b []byte) Descriptor {
	return Descriptor{
		Valid:  b[descOffValid],
		Opcode: Opcode(b[descOffOpcode]),
		Args:   Offset(native.Endian.Uint64(b[descOffArgs:])),
		RetVal: native.Endian.Uint64(b[descOffRetVal:]),
	}
}

func writeDescriptor(b []byte, d Descriptor) {
	b[descOffValid] = d.Valid
	b[descOffOpcode] = byte(d.Opcode)
	native.Endian.PutUint64(b[descOffArgs:], uint64(d.Args))
	native.Endian.PutUint64(b[descOffRetVal:], d.RetVal)
}
