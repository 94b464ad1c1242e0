// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestNameFromPath(t *testing.T) {
	for path, want := range map[string]string{
		"github.com/siderolabs/arceos-shadowd":                    "arceos-shadowd",
		"github.com/siderolabs/arceos-shadowd/cmd/arceos-shadowd": "arceos-shadowd",
		"example.com/fork":                                        "community-project",
	} {
		if got := nameFromPath(path); got != want {
			t.Errorf("nameFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestString(t *testing.T) {
	s := String()
	if !strings.Contains(s, strings.TrimSpace(Tag)) || strings.Contains(s, "\n") {
		t.Errorf("unexpected banner %q", s)
	}
}
