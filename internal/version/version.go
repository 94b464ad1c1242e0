// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package version contains variables such as project name, tag and sha. It's a proper alternative to using
// -ldflags '-X ...'.
package version

import (
	_ "embed"
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// Tag declares project git tag.
	//go:embed data/tag
	Tag string
	// SHA declares project git SHA.
	//go:embed data/sha
	SHA string
	// Name declares project name.
	Name = func() string {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return "arceos-shadowd"
		}

		return nameFromPath(info.Path)
	}()
)

func nameFromPath(path string) string {
	// Check if siderolabs project
	prefix := "github.com/siderolabs/"
	if strings.HasPrefix(path, prefix) {
		tail := path[len(prefix):]

		before, _, _ := strings.Cut(tail, "/")

		return before
	}

	// We could return a proper full path here, but it could be seen as a privacy violation.
	return "community-project"
}

// String is the one-line version banner.
func String() string {
	return fmt.Sprintf("%s %s (%s)", Name, strings.TrimSpace(Tag), strings.TrimSpace(SHA))
}
