// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/arceos-shadowd/pkg/hypercall"
	"github.com/siderolabs/arceos-shadowd/pkg/scf"
)

func TestArena(t *testing.T) {
	a := NewArena(GPABase)

	for _, tt := range []struct {
		size uint64
		want uint64
	}{
		{5000, GPABase},
		{1, GPABase + 0x2000},
		{PageSize, GPABase + 0x3000},
		{PageSize + 1, GPABase + 0x4000},
	} {
		if got := a.Alloc(tt.size); got != tt.want {
			t.Errorf("Alloc(%d) = 0x%x, want 0x%x", tt.size, got, tt.want)
		}
	}

	if a.Next() != GPABase+0x6000 {
		t.Errorf("Next = 0x%x", a.Next())
	}
}

func TestMustMmap(t *testing.T) {
	h := newHarness(t)

	h.submit(0, scf.OpMustMmap, 0x1_2340_0000, 0x7f00_0000_0000, 5000)
	h.submit(1, scf.OpMustMmap, 0x1_2350_0000, 0x7f00_0001_0000, 1)

	if diff := cmp.Diff([]int64{0, 0}, h.retvals()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	wantCalls := []hypercall.Args{
		{ID: hypercall.EPTMappingRequestID, Arg0: 0x1, Arg1: 0x2340_0000, Arg2: 0, Arg3: GPABase, Arg4: 5000},
		{ID: hypercall.EPTMappingRequestID, Arg0: 0x1, Arg1: 0x2350_0000, Arg2: 0, Arg3: GPABase + 0x2000, Arg4: 1},
	}
	if diff := cmp.Diff(wantCalls, h.caller.calls); diff != "" {
		t.Errorf("hypercalls mismatch (-want +got):\n%s", diff)
	}

	wantMaps := []mapping{
		{VA: 0x7f00_0000_0000, Size: 5000, Offset: GPABase},
		{VA: 0x7f00_0001_0000, Size: 1, Offset: GPABase + 0x2000},
	}
	if diff := cmp.Diff(wantMaps, h.mapper.maps); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestMustMmapFailures(t *testing.T) {
	tests := []struct {
		name      string
		result    uint32
		callErr   error
		mapErr    error
		size      uint64
		want      int64
		wantCalls int
	}{
		{name: "negative result", result: 0xffffffea, size: 0x1000, want: -22, wantCalls: 1},
		{name: "positive result", result: 5, size: 0x1000, want: -int64(unix.EIO), wantCalls: 1},
		{name: "ioctl failure", callErr: unix.ENOTTY, size: 0x1000, want: -int64(unix.ENOTTY), wantCalls: 1},
		{name: "local mapping failure", mapErr: unix.ENOMEM, size: 0x1000, want: -int64(unix.ENOMEM), wantCalls: 1},
		{name: "address in use", mapErr: unix.EEXIST, size: 0x1000, want: -int64(unix.EEXIST), wantCalls: 1},
		{name: "zero size", size: 0, want: -int64(unix.EINVAL)},
		{name: "oversized", size: 1 << 32, want: -int64(unix.EINVAL)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.caller.result = tt.result
			h.caller.err = tt.callErr
			h.mapper.err = tt.mapErr

			h.submit(0, scf.OpMustMmap, 0x1000, 0x7f00_0000_0000, tt.size)

			if diff := cmp.Diff([]int64{tt.want}, h.retvals()); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}

			if len(h.caller.calls) != tt.wantCalls {
				t.Errorf("%d hypercalls, want %d", len(h.caller.calls), tt.wantCalls)
			}

			if len(h.mapper.maps) != 0 {
				t.Errorf("mapped despite failure: %+v", h.mapper.maps)
			}
		})
	}
}
