// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	calls  []Args
	result uint32
	err    error
}

func (r *recorder) Invoke(args *Args) error {
	r.calls = append(r.calls, *args)
	args.ReturnValue = r.result

	return r.err
}

func TestArgsLayout(t *testing.T) {
	if size := unsafe.Sizeof(Args{}); size != 32 {
		t.Errorf("Args size = %d, want 32", size)
	}

	a := Args{}

	if off := unsafe.Offsetof(a.ReturnValue); off != 4 {
		t.Errorf("ReturnValue offset = %d, want 4", off)
	}

	if off := unsafe.Offsetof(a.Reserved); off != 28 {
		t.Errorf("Reserved offset = %d, want 28", off)
	}
}

func TestSplitQuad(t *testing.T) {
	u := SplitQuad(0x0000_0001_6000_2000)
	if u.High != 1 || u.Low != 0x6000_2000 {
		t.Errorf("SplitQuad = %+v", u)
	}

	if u.Quad() != 0x0000_0001_6000_2000 {
		t.Errorf("Quad = 0x%x", u.Quad())
	}
}

func TestShadowProcessReady(t *testing.T) {
	r := &recorder{}

	if err := ShadowProcessReady(r); err != nil {
		t.Fatalf("ShadowProcessReady failed: %v", err)
	}

	want := []Args{{ID: ShadowProcessReadyID, Arg0: 0x70726373, Arg1: 0x52647921}}
	if diff := cmp.Diff(want, r.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestEPTMappingRequest(t *testing.T) {
	tests := []struct {
		name   string
		result uint32
		err    error
		want   error
	}{
		{"accepted", 0, nil, nil},
		{"rejected", 0xffffffea, nil, ErrRejected},
		{"device failure", 0, errors.New("ioctl failed"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{result: tt.result, err: tt.err}

			ret, err := EPTMappingRequest(r, 0x1_2345_6000, 0x6000_0000, 0x2000)

			switch {
			case tt.err != nil:
				if !errors.Is(err, tt.err) {
					t.Errorf("got %v, want %v", err, tt.err)
				}
			case !errors.Is(err, tt.want):
				t.Errorf("got %v, want %v", err, tt.want)
			case tt.want != nil && ret != tt.result:
				t.Errorf("result = 0x%x, want 0x%x", ret, tt.result)
			}

			want := Args{
				ID:   EPTMappingRequestID,
				Arg0: 0x1,
				Arg1: 0x2345_6000,
				Arg2: 0x0,
				Arg3: 0x6000_0000,
				Arg4: 0x2000,
			}

			if len(r.calls) != 1 {
				t.Fatalf("%d calls, want 1", len(r.calls))
			}

			if diff := cmp.Diff(want, r.calls[0]); diff != "" {
				t.Errorf("call mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCallTooManyArgs(t *testing.T) {
	r := &recorder{}

	if _, err := Call(r, ID(1), 1, 2, 3, 4, 5, 6); !errors.Is(err, ErrTooManyArgs) {
		t.Errorf("got %v, want ErrTooManyArgs", err)
	}

	if len(r.calls) != 0 {
		t.Errorf("device invoked despite invalid arguments")
	}
}
