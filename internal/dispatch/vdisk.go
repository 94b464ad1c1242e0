// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/siderolabs/arceos-shadowd/pkg/scf"
)

const (
	// MaxVDisks is the number of virtual-disk slots.
	MaxVDisks = 4
	// BlockSize is the virtual-disk block size.
	BlockSize = 512

	maxBlock = (1<<63 - 1) / BlockSize
)

var (
	// ErrInvalidSlot is returned for a slot id outside [0, MaxVDisks).
	ErrInvalidSlot = errors.New("invalid virtual-disk slot")
	// ErrSlotBusy is returned when opening a slot that is already open.
	ErrSlotBusy = errors.New("virtual-disk slot already open")
	// ErrSlotClosed is returned for block I/O on a slot that was never opened.
	ErrSlotClosed = errors.New("virtual-disk slot not open")
)

// VDisks is the virtual-disk slot table. Backing files live in one directory
// and are named after their slot id. VDisks is not safe for concurrent use.
type VDisks struct {
	logger *slog.Logger
	fs     afero.Fs
	dir    string

	slots [MaxVDisks]afero.File
}

// NewVDisks returns a slot table backed by files in dir on fs.
func NewVDisks(logger *slog.Logger, fs afero.Fs, dir string) *VDisks {
	return &VDisks{
		logger: logger,
		fs:     fs,
		dir:    dir,
	}
}

// Path returns the backing file for slot id.
func (v *VDisks) Path(id uint64) string {
	return filepath.Join(v.dir, fmt.Sprintf("vdisk-%04x.img", id))
}

// Open opens the backing file of slot id for reading and writing.
func (v *VDisks) Open(id uint64) error {
	if id >= MaxVDisks {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, id)
	}

	if v.slots[id] != nil {
		return fmt.Errorf("%w: %d", ErrSlotBusy, id)
	}

	path := v.Path(id)

	f, err := v.fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}

	v.slots[id] = f
	v.logger.Info("virtual disk attached", "slot", id, "path", path)

	return nil
}

func (v *VDisks) seek(id, block uint64) (afero.File, error) {
	if id >= MaxVDisks {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, id)
	}

	f := v.slots[id]
	if f == nil {
		return nil, fmt.Errorf("%w: %d", ErrSlotClosed, id)
	}

	if block > maxBlock {
		return nil, fmt.Errorf("block %d: %w", block, os.ErrInvalid)
	}

	if _, err := f.Seek(int64(block*BlockSize), io.SeekStart); err != nil {
		return nil, err
	}

	return f, nil
}

// ReadBlock reads block of slot id into buf, which must hold BlockSize bytes.
// Reading at or past the end of the backing file returns 0.
func (v *VDisks) ReadBlock(id, block uint64, buf []byte) (int, error) {
	f, err := v.seek(id, block)
	if err != nil {
		return 0, err
	}

	// In-memory files report a read past the end as ErrUnexpectedEOF.
	n, err := f.Read(buf[:BlockSize])
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return n, nil
	}

	return n, err
}

// WriteBlock writes buf, which must hold BlockSize bytes, to block of slot id.
func (v *VDisks) WriteBlock(id, block uint64, buf []byte) (int, error) {
	f, err := v.seek(id, block)
	if err != nil {
		return 0, err
	}

	return f.Write(buf[:BlockSize])
}

// Close closes every open slot.
func (v *VDisks) Close() error {
	var err error

	for id, f := range v.slots {
		if f == nil {
			continue
		}

		err = multierr.Append(err, f.Close())
		v.slots[id] = nil
	}

	return err
}

// OPEN_VDISK: id.
func (e *Engine) handleOpenVDisk(args scf.Args) int64 {
	if err := e.disks.Open(args[0]); err != nil {
		e.logger.Warn("opening virtual disk failed", "slot", args[0], "err", err)

		return negErrno(err)
	}

	return 0
}

// READ_VDISK_BLOCK: id, block, buf_offset.
func (e *Engine) handleReadVDiskBlock(args scf.Args) int64 {
	buf, err := e.region.Bytes(scf.Offset(args[2]), BlockSize)
	if err != nil {
		return negErrno(err)
	}

	n, err := e.disks.ReadBlock(args[0], args[1], buf)
	if err != nil {
		return negErrno(err)
	}

	return int64(n)
}

// WRITE_VDISK_BLOCK: id, block, buf_offset.
func (e *Engine) handleWriteVDiskBlock(args scf.Args) int64 {
	buf, err := e.region.Bytes(scf.Offset(args[2]), BlockSize)
	if err != nil {
		return negErrno(err)
	}

	n, err := e.disks.WriteBlock(args[0], args[1], buf)
	if err != nil {
		return negErrno(err)
	}

	return int64(n)
}
