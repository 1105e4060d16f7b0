// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package install

import (
	"errors"

	"github.com/hugelgupf/installtest/dialog"
)

// The dialogue below is fixed: it matches one specific installer on one
// specific system image.
const (
	loginPrompt = "login:"
	shellPrompt = "~# "
	configMode  = "(config)"

	loginUser    = "root"
	rootPassword = "install-test"

	installCmd = "setup-appliance"
	verifyCmd  = "appliancectl status"
	targetDisk = "vda"
)

// Verification output patterns, in match priority order.
const (
	patNotFound    = "not found"
	patSetFailure  = "failed to set"
	patMissingFile = "No such file or directory"
)

// installSteps is the scripted installer dialogue, from login prompt to the
// shell prompt that follows a finished installation.
func installSteps(t Timeouts) []dialog.Step {
	return []dialog.Step{
		{Name: "login-prompt", Expect: []string{loginPrompt}, Send: loginUser, Timeout: t.Long},
		{Name: "live-shell", Expect: []string{shellPrompt}, Send: installCmd, Timeout: t.Short},
		{Name: "continue", Expect: []string{"Continue with installation?"}, Send: "y", Timeout: t.Short},
		{Name: "partition", Expect: []string{"Partition the disk?"}, Send: "y", Timeout: t.Short},
		{Name: "target-disk", Expect: []string{"Which disk would you like to install to?"}, Send: targetDisk, Timeout: t.Short},
		{Name: "erase-confirm", Expect: []string{"Erase all data"}, Send: "y", Timeout: t.Short},
		{Name: "root-size", Expect: []string{"Root partition size"}, SendEmpty: true, Timeout: t.Short},
		{Name: "image-name", Expect: []string{"Image name"}, SendEmpty: true, Timeout: t.Short},
		{Name: "source", Expect: []string{"Select installation source"}, Send: "1", Timeout: t.Short},
		{Name: "password", Expect: []string{"New password:"}, Send: rootPassword, Timeout: t.Short},
		{Name: "password-retype", Expect: []string{"Retype password:"}, Send: rootPassword, Timeout: t.Short},
		{Name: "bootloader-disk", Expect: []string{"Which disk should the boot loader be installed to?"}, Send: targetDisk, Timeout: t.Short},
		{Name: "install-done", Expect: []string{"Installation complete."}, Timeout: t.Long},
		{Name: "post-install-shell", Expect: []string{shellPrompt}, Send: "poweroff", Timeout: t.Short},
	}
}

// installPhase boots the installer ISO with the blank target disk attached
// and drives the installation to completion, ending in a guest poweroff.
func installPhase(cfg *Config) error {
	log := cfg.Log.WithComponent("install")
	log.Info("starting install phase", "iso", cfg.ISO, "disk", cfg.Disk)

	vm, err := startVM(cfg, true)
	if err != nil {
		return err
	}
	r := &dialog.Runner{Console: vm.Console, Log: log}

	if err := r.Run(installSteps(cfg.Timeouts)); err != nil {
		return abort(vm, err)
	}
	if err := waitShutdown(vm, cfg.Timeouts); err != nil {
		return abort(vm, err)
	}
	if err := vm.Wait(); err != nil {
		log.Debug("VM exit status", "err", err)
	}
	log.Info("install phase complete")
	return nil
}

// bootPhase boots the freshly installed disk, logs in, round-trips the
// configuration sub-mode, and runs the verification command.
func bootPhase(cfg *Config) error {
	log := cfg.Log.WithComponent("boot")
	log.Info("starting boot phase", "disk", cfg.Disk)

	vm, err := startVM(cfg, false)
	if err != nil {
		return err
	}
	r := &dialog.Runner{Console: vm.Console, Log: log}

	steps := []dialog.Step{
		{Name: "login-prompt", Expect: []string{loginPrompt}, Send: loginUser, Timeout: cfg.Timeouts.Long},
		{Name: "password", Expect: []string{"Password:"}, Send: rootPassword, Timeout: cfg.Timeouts.Short},
		{Name: "shell", Expect: []string{shellPrompt}, Send: "configure", Timeout: cfg.Timeouts.Short},
		{Name: "config-mode", Expect: []string{configMode}, Send: "exit", Timeout: cfg.Timeouts.Short},
		{Name: "config-exit", Expect: []string{shellPrompt}, Send: verifyCmd, Timeout: cfg.Timeouts.Short},
	}
	if err := r.Run(steps); err != nil {
		return abort(vm, err)
	}

	matched, err := r.Do(dialog.Step{
		Name:    "verify",
		Expect:  []string{patNotFound, patSetFailure, patMissingFile, shellPrompt},
		Timeout: cfg.Timeouts.Long,
	})
	if err != nil {
		return abort(vm, err)
	}
	if verr := classifyVerification(cfg, matched); verr != nil {
		return abort(vm, verr)
	}
	log.Info("verification succeeded", "command", verifyCmd)

	if err := r.Send("poweroff", "poweroff"); err != nil {
		return abort(vm, err)
	}
	if err := waitShutdown(vm, cfg.Timeouts); err != nil {
		return abort(vm, err)
	}
	if err := vm.Wait(); err != nil {
		log.Debug("VM exit status", "err", err)
	}
	log.Info("boot phase complete")
	return nil
}

// classifyVerification turns the matched verification pattern into a
// failure, or nil when the shell prompt came back clean.
func classifyVerification(cfg *Config, matched string) error {
	log := cfg.Log.WithComponent("boot")
	switch matched {
	case patNotFound:
		log.Error("verification command is not installed", "command", verifyCmd)
		return &dialog.Error{Step: "verify", Kind: dialog.KindVerification, Err: errors.New("verification command not found")}
	case patSetFailure:
		log.Error("verification command could not apply settings", "command", verifyCmd)
		return &dialog.Error{Step: "verify", Kind: dialog.KindVerification, Err: errors.New("verification command failed to set")}
	case patMissingFile:
		// A file the installer should have laid down is gone.
		log.Error("verification reported a missing file", "command", verifyCmd)
		return &dialog.Error{Step: "verify", Kind: dialog.KindVerification, Err: errors.New("verification reported missing file")}
	}
	return nil
}
