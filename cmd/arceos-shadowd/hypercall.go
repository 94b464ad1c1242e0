// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/siderolabs/arceos-shadowd/pkg/hypercall"
)

var hypercallCmd = &cobra.Command{
	Use:   "hypercall --id [id] --args [a,b,...]",
	Short: "execute an arbitrary hypercall",
	Long:  "can be used to poke the hypervisor by hand, e.g. '--id 0x53686477 --args 0x70726373,0x52647921'",
	RunE:  hypercallCommand,
}

var (
	hypercallIDFlag   string
	hypercallArgsFlag []string
)

func init() {
	hypercallCmd.Flags().StringVar(&hypercallIDFlag, "id", "", "hypercall id")
	hypercallCmd.Flags().StringSliceVar(&hypercallArgsFlag, "args", nil, "up to five 32-bit arguments")

	if err := hypercallCmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(hypercallCmd)
}

// parseHypercall accepts decimal, 0x-prefixed hex and 0o-prefixed octal words.
func parseHypercall(id string, args []string) (hypercall.ID, []uint32, error) {
	v, err := strconv.ParseUint(id, 0, 32)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid hypercall id %q: %w", id, err)
	}

	if len(args) > hypercall.MaxArgs {
		return 0, nil, fmt.Errorf("%w: got %d", hypercall.ErrTooManyArgs, len(args))
	}

	words := make([]uint32, 0, len(args))

	for _, a := range args {
		w, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid hypercall argument %q: %w", a, err)
		}

		words = append(words, uint32(w))
	}

	return hypercall.ID(v), words, nil
}

func hypercallCommand(_ *cobra.Command, _ []string) error {
	id, args, err := parseHypercall(hypercallIDFlag, hypercallArgsFlag)
	if err != nil {
		return err
	}

	dev, err := openDevice()
	if err != nil {
		return err
	}

	defer func() {
		if err := dev.Close(); err != nil {
			logger.Warn("failed to close device", "err", err)
		}
	}()

	ret, err := hypercall.Call(dev, id, args...)
	if err != nil {
		return fmt.Errorf("hypercall failed: %w", err)
	}

	logger.Debug("hypercall returned", "id", id, "ret", ret)
	fmt.Printf("0x%08x\n", ret)

	return nil
}
