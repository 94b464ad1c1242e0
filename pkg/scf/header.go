// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package scf

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/josharian/native"
)

const (
	unlocked = 0
	locked   = 1
)

// The lock byte and the two u16 counters are narrower than anything sync/atomic
// can operate on, so they are accessed through the aligned 32-bit words that
// contain them: the word at 0x04 holds lock, pad and capacity, the word at 0x08
// holds req_index and rsp_index. Capacity never changes after Format.
var (
	lockShift = fieldShift(0, 1)
	reqShift  = fieldShift(offReqIndex-offReqIndex, 2)
	rspShift  = fieldShift(offRspIndex-offReqIndex, 2)
)

// fieldShift returns the bit position of a field of size bytes located at byte
// offset off inside a host-order 32-bit word.
func fieldShift(off, size int) uint {
	if native.IsBigEndian {
		return uint(8 * (4 - off - size))
	}

	return uint(8 * off)
}

// header is a view of the metadata header at the base of the queue region.
type header struct {
	base unsafe.Pointer
}

func newHeader(mem []byte) header {
	return header{base: unsafe.Pointer(&mem[0])}
}

func (h header) word(off uintptr) *uint32 {
	return (*uint32)(unsafe.Add(h.base, off))
}

// Magic returns the protocol magic.
func (h header) Magic() uint32 {
	return atomic.LoadUint32(h.word(offMagic))
}

// Capacity returns the queue capacity.
func (h header) Capacity() uint16 {
	return native.Endian.Uint16(unsafe.Slice((*byte)(unsafe.Add(h.base, offCapacity)), 2))
}

// ReqIndex returns the guest-produced request counter.
func (h header) ReqIndex() uint16 {
	return uint16(atomic.LoadUint32(h.word(offReqIndex)) >> reqShift)
}

// RspIndex returns the host-produced response counter.
func (h header) RspIndex() uint16 {
	return uint16(atomic.LoadUint32(h.word(offReqIndex)) >> rspShift)
}

func (h header) storeCounter(shift uint, v uint16) {
	w := h.word(offReqIndex)
	mask := uint32(0xffff) << shift

	for {
		old := atomic.LoadUint32(w)
		if atomic.CompareAndSwapUint32(w, old, old&^mask|uint32(v)<<shift) {
			return
		}
	}
}

// SetReqIndex publishes the request counter.
func (h header) SetReqIndex(v uint16) {
	h.storeCounter(reqShift, v)
}

// SetRspIndex publishes the response counter. The CAS is a full barrier, so
// ring and descriptor writes made before it are visible to whoever observes
// the new value.
func (h header) SetRspIndex(v uint16) {
	h.storeCounter(rspShift, v)
}

// Lock acquires the header spin lock, yielding while it is contended.
func (h header) Lock() {
	w := h.word(offLock)
	mask := uint32(0xff) << lockShift

	for {
		old := atomic.LoadUint32(w)
		if old&mask == unlocked<<lockShift &&
			atomic.CompareAndSwapUint32(w, old, old|locked<<lockShift) {
			return
		}

		runtime.Gosched()
	}
}

// Unlock releases the header spin lock.
func (h header) Unlock() {
	w := h.word(offLock)
	mask := uint32(0xff) << lockShift

	atomic.StoreUint32(w, atomic.LoadUint32(w)&^mask)
}

// Locked reports whether the lock byte is currently held.
func (h header) Locked() bool {
	return (atomic.LoadUint32(h.word(offLock))>>lockShift)&0xff != unlocked
}
