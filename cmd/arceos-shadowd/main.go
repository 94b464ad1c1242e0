// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

// Package main is the main package invoking the tool
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siderolabs/arceos-shadowd/internal/dispatch"
	"github.com/siderolabs/arceos-shadowd/internal/util"
	"github.com/siderolabs/arceos-shadowd/internal/version"
	"github.com/siderolabs/arceos-shadowd/pkg/vdev"
)

const (
	flagLogLevel    = "log-level"
	flagDevice      = "device"
	flagOpenTimeout = "open-timeout"
)

var rootCmd = &cobra.Command{
	Use:               "arceos-shadowd",
	Short:             "shadow process executing forwarded ArceOS syscalls",
	Long:              "this daemon drains the syscall queue shared with an ArceOS guest and runs the requests on the host",
	Version:           version.String(),
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var (
	logger    *slog.Logger
	ctx       context.Context
	ctxCancel context.CancelFunc
)

func setup(cmd *cobra.Command, _ []string) error {
	level, err := util.ParseLevel(viper.GetString(flagLogLevel))
	if err != nil {
		return fmt.Errorf("error parsing log level: %w", err)
	}

	logOpts := &slog.HandlerOptions{
		Level: level,
	}

	logger = slog.New(slog.NewTextHandler(os.Stdout, logOpts)).With("command", cmd.Name())

	dispatch.ReportLockStalls(logger.With("module", "dispatch"))

	ctx = context.Background()
	ctx, ctxCancel = context.WithCancel(ctx) // nolint:fatcontext

	hello := fmt.Sprintf("%s © 2020-2025 Oliver Kuckertz, Equinix and Siderolabs", version.Name)
	logger.Debug(hello, "version", version.Tag)

	return nil
}

// openDevice opens the virtual device named by the persistent flags.
func openDevice() (*vdev.Device, error) {
	return vdev.Open(ctx, logger.With("module", "vdev"), viper.GetString(flagDevice), viper.GetDuration(flagOpenTimeout))
}

func init() {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`))
	viper.SetEnvPrefix("shadowd")

	pf := rootCmd.PersistentFlags()
	pf.String(flagLogLevel, "info", "log level (error, warning, info, debug, trace)")
	pf.String(flagDevice, vdev.DevicePath, "path to the virtual device")
	pf.Duration(flagOpenTimeout, 5*time.Second, "how long to wait for the device node to appear")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}
}

func main() {
	err := rootCmd.Execute()

	if ctxCancel != nil {
		ctxCancel()
	}

	if err != nil {
		os.Exit(1)
	}
}
