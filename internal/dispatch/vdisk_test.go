// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/arceos-shadowd/pkg/scf"
)

func TestVDiskPath(t *testing.T) {
	v := NewVDisks(testLogger(), afero.NewMemMapFs(), "/var/lib/shadowd")

	if got, want := v.Path(3), "/var/lib/shadowd/vdisk-0003.img"; got != want {
		t.Errorf("Path(3) = %q, want %q", got, want)
	}
}

func TestVDiskMissingBackingFile(t *testing.T) {
	h := newHarness(t)

	h.submit(0, scf.OpOpenVDisk, 0)
	h.submit(1, scf.OpReadVDiskBlock, 0, 0, bufBase)

	want := []int64{-int64(unix.ENOENT), -int64(unix.EINVAL)}
	if diff := cmp.Diff(want, h.retvals()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestVDiskSlots(t *testing.T) {
	h := newHarness(t)

	if err := afero.WriteFile(h.fs, "/disks/vdisk-0001.img", nil, 0o600); err != nil {
		t.Fatal(err)
	}

	h.submit(0, scf.OpOpenVDisk, 1)
	h.submit(1, scf.OpOpenVDisk, 1)
	h.submit(2, scf.OpOpenVDisk, MaxVDisks)
	h.submit(3, scf.OpWriteVDiskBlock, MaxVDisks, 0, bufBase)
	h.submit(4, scf.OpWriteVDiskBlock, 2, 0, bufBase)

	want := []int64{0, -int64(unix.EBUSY), -int64(unix.EINVAL), -int64(unix.EINVAL), -int64(unix.EINVAL)}
	if diff := cmp.Diff(want, h.retvals()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestVDiskBlockIO(t *testing.T) {
	h := newHarness(t)

	image := make([]byte, 2*BlockSize)
	for i := range image {
		image[i] = byte(i / BlockSize)
	}

	image[BlockSize] = 0xaa

	if err := afero.WriteFile(h.fs, "/disks/vdisk-0000.img", image, 0o600); err != nil {
		t.Fatal(err)
	}

	block := bytes.Repeat([]byte{0x5a}, BlockSize)
	copy(h.data[bufBase+BlockSize:], block)

	h.submit(0, scf.OpOpenVDisk, 0)
	h.submit(1, scf.OpReadVDiskBlock, 0, 1, bufBase)
	h.submit(2, scf.OpWriteVDiskBlock, 0, 3, bufBase+BlockSize)
	h.submit(3, scf.OpReadVDiskBlock, 0, 10, bufBase)
	h.submit(4, scf.OpReadVDiskBlock, 0, 1<<62, bufBase)

	want := []int64{0, BlockSize, BlockSize, 0, -int64(unix.EINVAL)}
	if diff := cmp.Diff(want, h.retvals()); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(image[BlockSize:], h.data[bufBase:bufBase+BlockSize]); diff != "" {
		t.Errorf("block 1 mismatch (-want +got):\n%s", diff)
	}

	got, err := afero.ReadFile(h.fs, "/disks/vdisk-0000.img")
	if err != nil {
		t.Fatal(err)
	}

	if len(got) != 4*BlockSize {
		t.Fatalf("image is %d bytes, want %d", len(got), 4*BlockSize)
	}

	if !bytes.Equal(got[3*BlockSize:], block) {
		t.Errorf("block 3 not written")
	}
}

func TestVDisksClose(t *testing.T) {
	fs := afero.NewMemMapFs()

	for _, name := range []string{"/d/vdisk-0000.img", "/d/vdisk-0002.img"} {
		if err := afero.WriteFile(fs, name, nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	v := NewVDisks(testLogger(), fs, "/d")

	for _, id := range []uint64{0, 2} {
		if err := v.Open(id); err != nil {
			t.Fatalf("Open(%d) failed: %v", id, err)
		}
	}

	if err := v.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := v.ReadBlock(0, 0, make([]byte, BlockSize)); !errors.Is(err, ErrSlotClosed) {
		t.Errorf("got %v, want ErrSlotClosed", err)
	}

	if err := v.Open(0); err != nil {
		t.Errorf("reopening after Close failed: %v", err)
	}
}
