// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package qemu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrInvalidFile is returned when a file path option is empty.
var ErrInvalidFile = errors.New("file name is empty")

// ErrIsNotFile is returned when a file path option refers to something that
// is not a regular file.
var ErrIsNotFile = errors.New("file is not a regular file")

// ErrInvalidNICCount is returned when an unreasonable number of NICs is
// requested.
var ErrInvalidNICCount = errors.New("NIC count must be between 1 and 8")

// IDAllocator is used to ensure no overlapping QEMU option IDs.
type IDAllocator struct {
	// maps a prefix to the maximum used suffix number.
	idx map[string]uint32
}

// NewIDAllocator returns a new ID allocator for QEMU option IDs.
func NewIDAllocator() *IDAllocator {
	return &IDAllocator{
		idx: make(map[string]uint32),
	}
}

// ID returns the next available ID for the given prefix.
func (a *IDAllocator) ID(prefix string) string {
	prefix = strings.TrimRight(prefix, "0123456789")
	idx := a.idx[prefix]
	a.idx[prefix]++
	return fmt.Sprintf("%s%d", prefix, idx)
}

func checkFile(path string) error {
	if len(path) == 0 {
		return ErrInvalidFile
	}
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrIsNotFile, path)
	}
	return nil
}

// InstallerCDROM attaches an installer ISO image as a CD-ROM drive and makes
// the VM boot from it once.
func InstallerCDROM(iso string) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		if err := checkFile(iso); err != nil {
			return fmt.Errorf("installer ISO: %w", err)
		}
		opts.AppendQEMU(
			"-cdrom", iso,
			"-boot", "once=d",
		)
		return nil
	}
}

// RawDisk attaches a raw disk image as a virtio block device. The guest sees
// it as /dev/vda (then vdb, and so on).
func RawDisk(path string) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		if err := checkFile(path); err != nil {
			return fmt.Errorf("disk image: %w", err)
		}
		opts.AppendQEMU(
			"-drive", fmt.Sprintf("file=%s,format=raw,if=virtio,id=%s", path, alloc.ID("drive")),
		)
		return nil
	}
}

// UserNICs attaches num user-mode network interfaces. User-mode networking
// needs no host privileges and gives the guest outbound connectivity.
func UserNICs(num int) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		if num < 1 || num > 8 {
			return fmt.Errorf("%w: %d", ErrInvalidNICCount, num)
		}
		for i := 0; i < num; i++ {
			id := alloc.ID("net")
			opts.AppendQEMU(
				"-netdev", fmt.Sprintf("user,id=%s", id),
				"-device", fmt.Sprintf("virtio-net-pci,netdev=%s", id),
			)
		}
		return nil
	}
}

// KVM selects the accelerator: hardware virtualization when enabled is true,
// plain TCG emulation otherwise.
func KVM(enabled bool) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		if enabled {
			opts.AppendQEMU("-accel", "kvm", "-cpu", "host")
		} else {
			opts.AppendQEMU("-accel", "tcg")
		}
		return nil
	}
}

// VirtioRandom exposes a PCI random number generator to the QEMU VM.
// Keeps guest crypto from blocking on entropy early in boot.
func VirtioRandom(alloc *IDAllocator, opts *Options) error {
	opts.AppendQEMU("-device", "virtio-rng-pci")
	return nil
}

// ArbitraryArgs adds arbitrary arguments to the QEMU command line.
func ArbitraryArgs(aa ...string) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		opts.AppendQEMU(aa...)
		return nil
	}
}

// All applies all given configurators and stops at the first error.
func All(fn ...Fn) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		for _, f := range fn {
			if err := f(alloc, opts); err != nil {
				return err
			}
		}
		return nil
	}
}

// IfArch applies fn only if the guest arch matches arch.
func IfArch(arch Arch, fn Fn) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		if opts.arch == arch {
			return fn(alloc, opts)
		}
		return nil
	}
}

// IfNotArch applies fn only if the guest arch does not match arch.
func IfNotArch(arch Arch, fn Fn) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		if opts.arch != arch {
			return fn(alloc, opts)
		}
		return nil
	}
}

// ByArch applies the Fn registered for the guest arch, if any.
func ByArch(m map[Arch]Fn) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		fn, ok := m[opts.arch]
		if !ok {
			return nil
		}
		return fn(alloc, opts)
	}
}

func replaceCtl(str []byte) []byte {
	for i, c := range str {
		if c == 9 || c == 10 {
		} else if c < 32 || c == 127 {
			str[i] = '~'
		}
	}
	return str
}

// LogSerialByLine processes serial output from the guest one line at a time
// and calls callback on each full line.
func LogSerialByLine(callback func(line string)) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		r, w := io.Pipe()
		opts.SerialOutput = append(opts.SerialOutput, w)
		opts.Tasks = append(opts.Tasks, WaitVMStarted(func(ctx context.Context, n *Notifications) error {
			s := bufio.NewScanner(r)
			for s.Scan() {
				callback(string(replaceCtl(s.Bytes())))
			}
			if err := s.Err(); err != nil {
				return fmt.Errorf("error reading serial from VM: %w", err)
			}
			return nil
		}))
		return nil
	}
}

// PrintLineWithPrefix returns a usable callback for LogSerialByLine that
// prints a prefix and the line. Usable with any standard Go print function
// like t.Logf or fmt.Printf.
func PrintLineWithPrefix(prefix string, printer func(fmt string, arg ...any)) func(line string) {
	return func(line string) {
		printer("%s: %s", prefix, line)
	}
}
