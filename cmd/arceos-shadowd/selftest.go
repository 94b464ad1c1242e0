// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/siderolabs/arceos-shadowd/internal/dispatch"
	"github.com/siderolabs/arceos-shadowd/pkg/hypercall"
	"github.com/siderolabs/arceos-shadowd/pkg/scf"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "drain an in-memory queue",
	Long:  "this plays the guest against an in-memory queue, without any device, and prints every response",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return selftest(logger, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(selftestCmd)
}

// loopback accepts every hypercall and records fixed mappings instead of performing them.
type loopback struct {
	logger *slog.Logger
}

func (l loopback) Invoke(args *hypercall.Args) error {
	l.logger.Info("hypercall", "id", args.ID)
	args.ReturnValue = 0

	return nil
}

func (l loopback) MapFixed(va uintptr, size uint64, offset uint64) error {
	l.logger.Info("fixed mapping skipped", "va", fmt.Sprintf("0x%x", va), "size", size, "offset", fmt.Sprintf("0x%x", offset))

	return nil
}

type selftestRequest struct {
	op   scf.Opcode
	args scf.Args
}

func selftest(logger *slog.Logger, out io.Writer) error {
	const (
		capacity = 8
		bufBase  = 0x1000
	)

	qmem := scf.AllocAligned(scf.QueueRegionSize)
	if err := scf.Format(qmem, capacity); err != nil {
		return err
	}

	queue, err := scf.Attach(qmem)
	if err != nil {
		return err
	}

	guest, err := scf.NewGuest(qmem)
	if err != nil {
		return err
	}

	data := make([]byte, scf.DataRegionSize)
	region := scf.NewRegion(data)

	msg := "hello from the guest\n"
	copy(data[bufBase:], msg)

	fs := afero.NewMemMapFs()
	if err = afero.WriteFile(fs, "/vdisk-0001.img", make([]byte, dispatch.BlockSize), 0o600); err != nil {
		return err
	}

	lb := loopback{logger: logger.With("module", "loopback")}
	engine := dispatch.New(logger.With("module", "dispatch"), queue, region,
		lb, lb, dispatch.NewVDisks(logger.With("module", "vdisk"), fs, "/"))

	defer engine.Close() //nolint:errcheck

	// The guest's WRITE lands in a pipe so it shows up on out.
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}

	defer r.Close() //nolint:errcheck
	defer w.Close() //nolint:errcheck

	requests := []selftestRequest{
		{scf.OpWrite, scf.Args{uint64(w.Fd()), bufBase, uint64(len(msg))}},
		{scf.OpNop, scf.Args{}},
		{scf.OpUnknown, scf.Args{}},
		{scf.OpOpenVDisk, scf.Args{0}},
		{scf.OpOpenVDisk, scf.Args{1}},
		{scf.OpReadVDiskBlock, scf.Args{1, 0, bufBase + 0x200}},
		{scf.OpMustMmap, scf.Args{0x1_0000_0000, 0x7f00_0000_0000, 5000}},
	}

	for i, r := range requests {
		off := scf.Offset(i * 64)

		if err = region.PutArgs(off, r.args); err != nil {
			return err
		}

		if err = guest.Submit(uint16(i), r.op, off); err != nil {
			return err
		}
	}

	n, err := engine.Drain()
	if err != nil {
		return err
	}

	if err = w.Close(); err != nil {
		return err
	}

	if _, err = io.Copy(out, r); err != nil {
		return err
	}

	for _, c := range guest.Completions() {
		fmt.Fprintf(out, "%-18s %d\n", requests[c.Index].op, c.RetVal)
	}

	if n != len(requests) {
		return fmt.Errorf("answered %d of %d requests", n, len(requests))
	}

	return nil
}
