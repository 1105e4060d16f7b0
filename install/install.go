// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package install runs the end-to-end install-and-boot test: provision a
// target disk, drive the installer dialogue from the ISO, reboot from the
// installed disk, and verify the system came up.
package install

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hugelgupf/installtest/dialog"
	"github.com/hugelgupf/installtest/internal/logging"
	"github.com/hugelgupf/installtest/qemu"
)

// ErrISONotFound is returned when the installer ISO does not exist.
var ErrISONotFound = errors.New("installer ISO not found")

// Timeouts are the dialogue timing knobs. Scaled down in tests.
type Timeouts struct {
	// Short bounds quick interactions like installer prompts.
	Short time.Duration

	// Long bounds slow interactions: boot to login, the actual install,
	// and it is the console's default expect timeout.
	Long time.Duration

	// PollInterval and PollAttempts bound the wait for the guest to
	// power itself off.
	PollInterval time.Duration
	PollAttempts int
}

// DefaultTimeouts returns the production timing: 10s prompts, 300s for boot
// and install, and a 10s x 30 shutdown poll.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Short:        10 * time.Second,
		Long:         300 * time.Second,
		PollInterval: 10 * time.Second,
		PollAttempts: 30,
	}
}

// Config describes one install-and-boot test run.
type Config struct {
	// ISO is the installer image to boot from. Required.
	ISO string

	// Disk is the target disk image path. Created via qemu-img if it
	// does not exist. Empty means DefaultDiskName().
	Disk string

	// Keep leaves the disk image behind after the run.
	Keep bool

	// NoKVM forces plain emulation even when /dev/kvm is usable.
	NoKVM bool

	// MemoryMB is the guest RAM size. Zero means 1024.
	MemoryMB int

	// DiskSizeMB is the size of a freshly provisioned disk. Zero means
	// 2048.
	DiskSizeMB int

	// Log receives progress at INFO and the full dialogue at DEBUG.
	Log *logging.Logger

	// Timeouts are the dialogue timing knobs. Zero value means
	// DefaultTimeouts().
	Timeouts Timeouts

	// ExtraQEMU are appended to both VM configurations, after the
	// standard devices. Mostly useful in tests.
	ExtraQEMU []qemu.Fn
}

// DefaultDiskName returns a disk image name derived from the current time
// plus a 16-bit random suffix, e.g. install-test-20240115-170301-9f3c.img.
func DefaultDiskName() string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("install-test-%s-%02x%02x.img", time.Now().Format("20060102-150405"), b[0], b[1])
}

// Run performs the full install-and-boot test. The first failed stage
// determines the returned error; the disk image is removed afterwards
// unless cfg.Keep is set.
func Run(cfg *Config) (err error) {
	if cfg.Log == nil {
		cfg.Log = logging.New(logging.Config{ConsoleLevel: logging.LevelInfo})
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = 1024
	}
	if cfg.DiskSizeMB == 0 {
		cfg.DiskSizeMB = 2048
	}
	if cfg.Disk == "" {
		cfg.Disk = DefaultDiskName()
	}

	if _, serr := os.Stat(cfg.ISO); serr != nil {
		return fmt.Errorf("%w: %v", ErrISONotFound, serr)
	}

	defer func() {
		if cfg.Keep {
			cfg.Log.Info("keeping disk image", "disk", cfg.Disk)
			return
		}
		if rerr := os.Remove(cfg.Disk); rerr != nil {
			cfg.Log.Error("failed to remove disk image", "disk", cfg.Disk, "err", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()

	if _, serr := os.Stat(cfg.Disk); serr != nil {
		cfg.Log.Info("creating disk image", "disk", cfg.Disk, "size_mb", cfg.DiskSizeMB)
		if cerr := qemu.CreateDisk(cfg.Disk, cfg.DiskSizeMB); cerr != nil {
			return &dialog.Error{Step: "provision", Kind: dialog.KindProcess, Err: cerr}
		}
	}

	if err := installPhase(cfg); err != nil {
		return err
	}
	return bootPhase(cfg)
}

// startVM boots the guest with the target disk attached, plus the installer
// CD-ROM during the install phase.
func startVM(cfg *Config, withInstaller bool) (*qemu.VM, error) {
	serial := cfg.Log.WithComponent("serial")
	fns := []qemu.Fn{
		qemu.WithMemory(cfg.MemoryMB),
		qemu.UserNICs(1),
		qemu.KVM(!cfg.NoKVM && qemu.KVMAvailable()),
		qemu.VirtioRandom,
		qemu.RawDisk(cfg.Disk),
		qemu.WithDefaultExpectTimeout(cfg.Timeouts.Long),
		qemu.LogSerialByLine(func(line string) {
			serial.Debug(line)
		}),
	}
	if withInstaller {
		fns = append(fns, qemu.InstallerCDROM(cfg.ISO))
	}
	fns = append(fns, cfg.ExtraQEMU...)

	vm, err := qemu.Start(qemu.ArchUseEnvv, fns...)
	if err != nil {
		return nil, &dialog.Error{Step: "start-vm", Kind: dialog.KindProcess, Err: err}
	}
	cfg.Log.Debug("started VM", "cmdline", vm.CmdlineQuoted())
	return vm, nil
}

// waitShutdown polls for the guest to power itself off. The guest gets
// PollAttempts x PollInterval before the wait escalates to a
// shutdown-timeout failure.
func waitShutdown(vm *qemu.VM, t Timeouts) error {
	for i := 0; i < t.PollAttempts; i++ {
		if vm.Exited() {
			return nil
		}
		time.Sleep(t.PollInterval)
	}
	if vm.Exited() {
		return nil
	}
	return &dialog.Error{Step: "shutdown", Kind: dialog.KindShutdownTimeout, Err: errors.New("VM still running after poweroff")}
}

// abort kills a VM whose dialogue failed and reaps it, preserving the
// dialogue error.
func abort(vm *qemu.VM, err error) error {
	_ = vm.Kill()
	_ = vm.Wait()
	return err
}
