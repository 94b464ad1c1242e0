// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/siderolabs/arceos-shadowd/pkg/hypercall"
)

func TestParseHypercall(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		args     []string
		wantID   hypercall.ID
		wantArgs []uint32
		wantErr  error
	}{
		{
			name:     "ready",
			id:       "0x53686477",
			args:     []string{"0x70726373", "0x52647921"},
			wantID:   hypercall.ShadowProcessReadyID,
			wantArgs: []uint32{0x70726373, 0x52647921},
		},
		{
			name:     "decimal without args",
			id:       "42",
			wantID:   42,
			wantArgs: []uint32{},
		},
		{
			name:    "too many",
			id:      "1",
			args:    []string{"1", "2", "3", "4", "5", "6"},
			wantErr: hypercall.ErrTooManyArgs,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, args, err := parseHypercall(tt.id, tt.args)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}

			if tt.wantErr != nil {
				return
			}

			if id != tt.wantID {
				t.Errorf("id = %s, want %s", id, tt.wantID)
			}

			if diff := cmp.Diff(tt.wantArgs, args); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}

	for _, bad := range []string{"", "0x1_0000_0000", "zz"} {
		if _, _, err := parseHypercall(bad, nil); err == nil {
			t.Errorf("parseHypercall(%q) accepted", bad)
		}
	}

	if _, _, err := parseHypercall("1", []string{"-1"}); err == nil {
		t.Error("negative argument accepted")
	}
}

func TestSelftest(t *testing.T) {
	var out bytes.Buffer

	l := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := selftest(l, &out); err != nil {
		t.Fatalf("selftest failed: %v", err)
	}

	var got [][]string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		got = append(got, strings.Fields(line))
	}

	want := [][]string{
		{"hello", "from", "the", "guest"},
		{"WRITE", "21"},
		{"NOP", "0"},
		{"UNKNOWN", "-22"},
		{"OPEN_VDISK", "-2"},
		{"OPEN_VDISK", "0"},
		{"READ_VDISK_BLOCK", "512"},
		{"MUST_MMAP", "0"},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("selftest output mismatch (-want +got):\n%s", diff)
	}
}
