// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package capcheck implements CheckCapabilities
package capcheck

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrMissingCapability is returned by Check when a required capability is not effective.
var ErrMissingCapability = errors.New("missing capability")

// HasCapability checks natively if a given LINUX capability is granted
// Capability (position) is in bits, only for reference
// https://pkg.go.dev/github.com/syndtr/gocapability/capability#pkg-constants
func HasCapability(capabilityBit int8) (bool, error) {
	procStatus, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false, fmt.Errorf("error reading /proc/self/status: %w", err)
	}

	capEff, err := parseCapEff(string(procStatus))
	if err != nil {
		return false, err
	}

	return capEff&(1<<capabilityBit) != 0, nil
}

// Check returns ErrMissingCapability naming the first capability bit that is not granted.
func Check(capabilityBits ...int8) error {
	for _, bit := range capabilityBits {
		ok, err := HasCapability(bit)
		if err != nil {
			return err
		}

		if !ok {
			return fmt.Errorf("%w: bit %d", ErrMissingCapability, bit)
		}
	}

	return nil
}

func parseCapEff(procStatus string) (uint64, error) {
	for _, line := range strings.Split(procStatus, "\n") {
		if strings.HasPrefix(line, "CapEff:") {
			parts := strings.Fields(line)
			if len(parts) < 2 {
				return 0, fmt.Errorf("invalid CapEff line format")
			}
			// read as hexadecimal number (base 16).
			val, err := strconv.ParseUint(parts[1], 16, 64)
			if err != nil {
				return 0, fmt.Errorf("error parsing CapEff value: %w", err)
			}

			return val, nil
		}
	}

	return 0, fmt.Errorf("capEff line not found")
}
