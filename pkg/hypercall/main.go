// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package hypercall models the hypercalls the shadow process issues to the hypervisor.
//
// A process cannot execute vmcall itself. The virtual device driver does it on our
// behalf: it takes a packed record holding the hypercall id and up to five 32-bit
// arguments, traps into the hypervisor, and writes the 32-bit result back into the
// same record. Anything that can carry such a record implements Caller.
package hypercall
