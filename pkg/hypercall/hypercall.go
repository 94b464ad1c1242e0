// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hypercall

import (
	"errors"
	"fmt"
)

// ID identifies a hypercall.
type ID uint32

const (
	// ShadowProcessReadyID announces that the shadow process is ready ("Shdw").
	ShadowProcessReadyID ID = 0x53686477
	// EPTMappingRequestID asks the hypervisor to map host-physical memory into guest-physical space ("EMap").
	EPTMappingRequestID ID = 0x454d6170
)

const (
	shadowProcessReadyArg0 = 0x70726373 // "prcs"
	shadowProcessReadyArg1 = 0x52647921 // "Rdy!"
)

// MaxArgs is the number of argument slots in a hypercall.
const MaxArgs = 5

// String returns the hypercall name.
func (id ID) String() string {
	switch id {
	case ShadowProcessReadyID:
		return "SHADOW_PROCESS_READY"
	case EPTMappingRequestID:
		return "EPT_MAPPING_REQUEST"
	}

	return fmt.Sprintf("HYPERCALL(0x%08x)", uint32(id))
}

// Args is the record handed to the device. Its layout is fixed by the driver.
type Args struct {
	ID          ID
	ReturnValue uint32
	Arg0        uint32
	Arg1        uint32
	Arg2        uint32
	Arg3        uint32
	Arg4        uint32
	Reserved    uint32
}

// Caller executes hypercalls. Invoke fills in args.ReturnValue.
type Caller interface {
	Invoke(args *Args) error
}

var (
	// ErrTooManyArgs is returned when more than MaxArgs arguments are passed.
	ErrTooManyArgs = errors.New("too many hypercall arguments")

	// ErrRejected is returned when the hypervisor answers a request with a non-zero result.
	ErrRejected = errors.New("hypercall rejected by hypervisor")
)

// Call packs id and args into a record, invokes it and returns the hypervisor's result.
func Call(c Caller, id ID, args ...uint32) (uint32, error) {
	if len(args) > MaxArgs {
		return 0, fmt.Errorf("%w: %s got %d", ErrTooManyArgs, id, len(args))
	}

	var a [MaxArgs]uint32

	copy(a[:], args)

	rec := Args{
		ID:   id,
		Arg0: a[0],
		Arg1: a[1],
		Arg2: a[2],
		Arg3: a[3],
		Arg4: a[4],
	}

	if err := c.Invoke(&rec); err != nil {
		return 0, fmt.Errorf("invoking %s: %w", id, err)
	}

	return rec.ReturnValue, nil
}

// ShadowProcessReady tells the hypervisor that the shadow process is draining the queue.
func ShadowProcessReady(c Caller) error {
	_, err := Call(c, ShadowProcessReadyID, shadowProcessReadyArg0, shadowProcessReadyArg1)

	return err
}

// EPTMappingRequest asks the hypervisor to map size bytes of host-physical memory at hpa
// onto guest-physical address gpa. The result is returned even when it signals a failure.
func EPTMappingRequest(c Caller, hpa, gpa uint64, size uint32) (uint32, error) {
	h := SplitQuad(hpa)
	g := SplitQuad(gpa)

	ret, err := Call(c, EPTMappingRequestID, h.High, h.Low, g.High, g.Low, size)
	if err != nil {
		return ret, err
	}

	if ret != 0 {
		return ret, fmt.Errorf("%w: %s hpa=0x%x gpa=0x%x size=0x%x returned 0x%x", ErrRejected, EPTMappingRequestID, hpa, gpa, size, ret)
	}

	return ret, nil
}
