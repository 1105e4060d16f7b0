// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package qemu

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// CreateDisk creates a raw disk image of sizeMB megabytes at path using
// qemu-img. The INSTALLTEST_QEMU_IMG env var overrides the binary.
func CreateDisk(path string, sizeMB int) error {
	qemuImg := os.Getenv("INSTALLTEST_QEMU_IMG")
	if qemuImg == "" {
		qemuImg = "qemu-img"
	}
	cmd := exec.Command(qemuImg, "create", "-f", "raw", path, fmt.Sprintf("%dM", sizeMB))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s create %s: %w (output: %s)", qemuImg, path, err, out)
	}
	return nil
}

// KVMAvailable reports whether hardware virtualization through /dev/kvm is
// usable by the current process.
func KVMAvailable() bool {
	return unix.Access("/dev/kvm", unix.R_OK|unix.W_OK) == nil
}
