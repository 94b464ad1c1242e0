// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package scf implements the host side of the shared-memory syscall forwarding queue.
//
// The queue region starts with a small metadata header, followed by the descriptor
// table and the request and response index rings. Payloads live in a separate data
// region and are only ever referenced by offset, because the guest and the host map
// the same physical pages at unrelated virtual addresses.
package scf

import "fmt"

// Memory layout constants.
const (
	// Magic identifies the queue protocol ("\x7fSCF").
	Magic uint32 = 0x4643537f

	// HeaderSize is the size of the metadata header.
	HeaderSize = 0xc

	// DescriptorSize is the size of one descriptor table entry.
	DescriptorSize = 0x18

	// ringEntrySize is the size of one request/response ring slot (a descriptor index).
	ringEntrySize = 2

	// DescriptorTableOffset is where the descriptor table starts: the header rounded up to 8 bytes.
	DescriptorTableOffset = (HeaderSize + 7) &^ 7

	// ArgCount is the number of 64-bit slots in an argument block.
	ArgCount = 6

	// ArgsSize is the size of an argument block in the data region.
	ArgsSize = ArgCount * 8
)

// Header field offsets.
const (
	offMagic    = 0x00 // u32
	offLock     = 0x04 // u8
	offCapacity = 0x06 // u16
	offReqIndex = 0x08 // u16
	offRspIndex = 0x0a // u16
)

// Descriptor field offsets.
const (
	descOffValid  = 0x00 // u8
	descOffOpcode = 0x01 // u8
	descOffArgs   = 0x08 // u64
	descOffRetVal = 0x10 // u64
)

// Region sizes and device page offsets, as exposed by the virtual device.
const (
	DataRegionSize    = 0x00100000
	DataRegionOffset  = 0x0
	QueueRegionSize   = 0x00001000
	QueueRegionOffset = 0x1000
)

// Opcode selects the operation a descriptor requests.
type Opcode uint8

// Opcodes understood by the shadow process.
const (
	OpNop             Opcode = 0x00
	OpRead            Opcode = 0x01
	OpWrite           Opcode = 0x02
	OpOpen            Opcode = 0x03
	OpClose           Opcode = 0x04
	OpWritev          Opcode = 0x05
	OpMustMmap        Opcode = 0xf0
	OpOpenVDisk       Opcode = 0xf1
	OpReadVDiskBlock  Opcode = 0xf2
	OpWriteVDiskBlock Opcode = 0xf3
	OpUnknown         Opcode = 0xff
)

var opcodeNames = map[Opcode]string{
	OpNop:             "NOP",
	OpRead:            "READ",
	OpWrite:           "WRITE",
	OpOpen:            "OPEN",
	OpClose:           "CLOSE",
	OpWritev:          "WRITEV",
	OpMustMmap:        "MUST_MMAP",
	OpOpenVDisk:       "OPEN_VDISK",
	OpReadVDiskBlock:  "READ_VDISK_BLOCK",
	OpWriteVDiskBlock: "WRITE_VDISK_BLOCK",
	OpUnknown:         "UNKNOWN",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}

	return fmt.Sprintf("OPCODE(0x%02x)", uint8(o))
}

// Descriptor is a host-local copy of one descriptor table entry.
type Descriptor struct {
	Valid  uint8
	Opcode Opcode
	Args   Offset
	RetVal uint64
}

// Args is a decoded argument block.
type Args [ArgCount]uint64

// IsPowerOfTwo returns true if n is a power of two.
func IsPowerOfTwo(n uint16) bool {
	return n > 0 && n&(n-1) == 0
}

// Layout describes where the tables of a queue with a given capacity live.
type Layout struct {
	Capacity     uint16
	Descriptors  int
	RequestRing  int
	ResponseRing int
	Size         int
}

// LayoutFor computes the queue region layout for capacity.
func LayoutFor(capacity uint16) Layout {
	n := int(capacity)
	desc := DescriptorTableOffset
	req := desc + n*DescriptorSize
	rsp := req + n*ringEntrySize

	return Layout{
		Capacity:     capacity,
		Descriptors:  desc,
		RequestRing:  req,
		ResponseRing: rsp,
		Size:         rsp + n*ringEntrySize,
	}
}
