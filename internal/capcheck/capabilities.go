// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package capcheck

// see https://github.com/torvalds/linux/blob/v6.14/include/uapi/linux/capability.h
const (
	CapSysRawio = 17 // CAP_SYS_RAWIO
)

// Required lists the capabilities checked before run touches the device:
// mapping guest physical memory through the device node.
var Required = []int8{CapSysRawio}
