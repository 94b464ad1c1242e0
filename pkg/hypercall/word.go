// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hypercall

// UInt64 is a 64-bit value carried as two 32-bit hypercall arguments.
type UInt64 struct {
	High uint32
	Low  uint32
}

// SplitQuad splits a quad into its high and low words.
func SplitQuad(w uint64) UInt64 {
	return UInt64{
		High: uint32(w >> 32),
		Low:  uint32(w),
	}
}

// Quad joins the words back together.
func (u UInt64) Quad() uint64 {
	return uint64(u.High)<<32 | uint64(u.Low)
}
