// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/arceos-shadowd/internal/capcheck"
	"github.com/siderolabs/arceos-shadowd/internal/dispatch"
	"github.com/siderolabs/arceos-shadowd/pkg/hypercall"
	"github.com/siderolabs/arceos-shadowd/pkg/scf"
	"github.com/siderolabs/arceos-shadowd/pkg/shadow"
	"github.com/siderolabs/arceos-shadowd/pkg/vdev"
)

const (
	flagSkipCapabilityCheck = "skip-capability-check"
	flagVDiskDir            = "vdisk-dir"
	flagTickInterval        = "tick-interval"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "drain the syscall queue until interrupted",
	Long:  "attaches to the virtual device, announces itself to the hypervisor and serves forwarded syscalls",
	RunE:  runShadow,
}

var errShadowStartFailed = errors.New("error starting shadow process")

func init() {
	pf := runCmd.PersistentFlags()
	pf.Bool(flagSkipCapabilityCheck, false, "skip the capability check")
	pf.String(flagVDiskDir, ".", "directory holding vdisk-XXXX.img backing files")
	pf.Duration(flagTickInterval, shadow.DefaultTick, "interval between periodic drains")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(runCmd)
}

func runShadow(_ *cobra.Command, _ []string) error {
	// SHADOWD_SKIP_CAPABILITY_CHECK helps when the device node permissions are handled otherwise.
	if !viper.GetBool(flagSkipCapabilityCheck) {
		if err := capcheck.Check(capcheck.Required...); err != nil {
			logger.Error("insufficient privileges to drive the device", "err", err)

			return err
		}
	} else {
		logger.Info("skipping capability check")
	}

	// The driver may signal as soon as the handler is registered. Keep the signal
	// caught from here until the device is closed so it never takes the default action.
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, vdev.VIRQSignal)

	defer signal.Stop(guard)

	dev, err := openDevice()
	if err != nil {
		logger.Error("error opening device", "err", err)

		return err
	}

	defer func() {
		if err := dev.Close(); err != nil {
			logger.Warn("failed to close device during shutdown", "err", err)
		}
	}()

	data, err := dev.MapData()
	if err != nil {
		return err
	}

	qmem, err := dev.MapQueue()
	if err != nil {
		return err
	}

	queue, err := scf.Attach(qmem)
	if err != nil {
		logger.Error("cannot attach to syscall queue", "err", err)

		return err
	}

	req, rsp := queue.Counters()
	logger.Info("attached to syscall queue", "capacity", queue.Capacity(), "req_index", req, "rsp_index", rsp)

	disks := dispatch.NewVDisks(logger.With("module", "vdisk"), afero.NewOsFs(), viper.GetString(flagVDiskDir))
	engine := dispatch.New(logger.With("module", "dispatch"), queue, scf.NewRegion(data), dev, dev, disks)

	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("failed to close virtual disks", "err", err)
		}
	}()

	svc := shadow.NewService(logger.With("module", "shadow.service"), engine, viper.GetDuration(flagTickInterval), vdev.VIRQSignal)

	// Start also runs the startup drain.
	if err = svc.Start(); err != nil {
		logger.Error("error starting service", "err", err)

		return errShadowStartFailed
	}

	if err = dev.RegisterVIRQHandler(); err == nil {
		err = hypercall.ShadowProcessReady(dev)
	}

	if err != nil {
		logger.Error("error announcing shadow process", "err", err)
		svc.Stop()

		return errors.Join(errShadowStartFailed, err, svc.Wait())
	}

	logger.Info("shadow process ready")

	// Graceful shutdown on SIGINT/SIGTERM
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sig)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		select {
		case s := <-sig:
			logger.Debug("signal received", "signal", s)
		case <-egCtx.Done():
		}

		ctxCancel()
		svc.Stop()

		return nil
	})

	eg.Go(func() error {
		return svc.Wait()
	})

	start := time.Now()

	if err = eg.Wait(); err != nil {
		logger.Error("shadow process failed", "err", err, "uptime", time.Since(start))

		return err
	}

	logger.Info("graceful shutdown done, fair winds!")

	return nil
}
