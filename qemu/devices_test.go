// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package qemu

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestIDAllocator(t *testing.T) {
	tc := []struct {
		in   string
		want string
	}{
		{in: "net", want: "net0"},
		{in: "net", want: "net1"},
		{in: "net0", want: "net2"},
		{in: "net45", want: "net3"},
		{in: "0net34", want: "0net0"},
		{in: "drive", want: "drive0"},
		{in: "id", want: "id0"},
		{in: "drive", want: "drive1"},
	}
	a := NewIDAllocator()
	for _, c := range tc {
		got := a.ID(c.in)
		if got != c.want {
			t.Errorf("ID(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestDevices(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(imagePath, []byte{}, 0o666); err != nil {
		t.Fatal(err)
	}
	isoPath := filepath.Join(t.TempDir(), "installer.iso")
	if err := os.WriteFile(isoPath, []byte{}, 0o666); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		arch Arch
		fns  []Fn
		want []cmdlineEqualOpt
		err  error
	}{
		{
			name: "cdrom-and-disk",
			arch: ArchAMD64,
			fns:  []Fn{WithQEMUCommand("qemu"), InstallerCDROM(isoPath), RawDisk(imagePath)},
			want: []cmdlineEqualOpt{
				withArgv0("qemu"),
				withArg("-nographic"),
				withArg("-cdrom", isoPath, "-boot", "once=d"),
				withArg("-drive", fmt.Sprintf("file=%s,format=raw,if=virtio,id=drive0", imagePath)),
			},
		},
		{
			name: "cdrom-missing-path",
			arch: ArchAMD64,
			fns:  []Fn{InstallerCDROM("")},
			err:  ErrInvalidFile,
		},
		{
			name: "cdrom-not-a-file",
			arch: ArchAMD64,
			fns:  []Fn{InstallerCDROM(t.TempDir())},
			err:  ErrIsNotFile,
		},
		{
			name: "cdrom-not-exist",
			arch: ArchAMD64,
			fns:  []Fn{InstallerCDROM(filepath.Join(t.TempDir(), "non-exist"))},
			err:  syscall.ENOENT,
		},
		{
			name: "disk-missing-path",
			arch: ArchAMD64,
			fns:  []Fn{RawDisk("")},
			err:  ErrInvalidFile,
		},
		{
			name: "disk-not-exist",
			arch: ArchAMD64,
			fns:  []Fn{RawDisk(filepath.Join(t.TempDir(), "non-exist"))},
			err:  syscall.ENOENT,
		},
		{
			name: "two-disks-unique-ids",
			arch: ArchAMD64,
			fns:  []Fn{WithQEMUCommand("qemu"), RawDisk(imagePath), RawDisk(imagePath)},
			want: []cmdlineEqualOpt{
				withArgv0("qemu"),
				withArg("-nographic"),
				withArg("-drive", fmt.Sprintf("file=%s,format=raw,if=virtio,id=drive0", imagePath)),
				withArg("-drive", fmt.Sprintf("file=%s,format=raw,if=virtio,id=drive1", imagePath)),
			},
		},
		{
			name: "nics",
			arch: ArchAMD64,
			fns:  []Fn{WithQEMUCommand("qemu"), UserNICs(2)},
			want: []cmdlineEqualOpt{
				withArgv0("qemu"),
				withArg("-nographic"),
				withArg("-netdev", "user,id=net0",
					"-device", "virtio-net-pci,netdev=net0"),
				withArg("-netdev", "user,id=net1",
					"-device", "virtio-net-pci,netdev=net1"),
			},
		},
		{
			name: "nics-zero",
			arch: ArchAMD64,
			fns:  []Fn{UserNICs(0)},
			err:  ErrInvalidNICCount,
		},
		{
			name: "nics-too-many",
			arch: ArchAMD64,
			fns:  []Fn{UserNICs(9)},
			err:  ErrInvalidNICCount,
		},
		{
			name: "kvm-enabled",
			arch: ArchAMD64,
			fns:  []Fn{WithQEMUCommand("qemu"), KVM(true)},
			want: []cmdlineEqualOpt{
				withArgv0("qemu"),
				withArg("-nographic"),
				withArg("-accel", "kvm", "-cpu", "host"),
			},
		},
		{
			name: "kvm-disabled",
			arch: ArchAMD64,
			fns:  []Fn{WithQEMUCommand("qemu"), KVM(false), VirtioRandom},
			want: []cmdlineEqualOpt{
				withArgv0("qemu"),
				withArg("-nographic"),
				withArg("-accel", "tcg"),
				withArg("-device", "virtio-rng-pci"),
			},
		},
		{
			name: "by-arch-found",
			arch: ArchAMD64,
			fns: []Fn{
				WithQEMUCommand("qemu"),
				ByArch(map[Arch]Fn{
					ArchAMD64: ArbitraryArgs("-game"),
					ArchArm:   ArbitraryArgs("-foobar"),
				}),
			},
			want: []cmdlineEqualOpt{
				withArgv0("qemu"),
				withArg("-nographic"),
				withArg("-game"),
			},
		},
		{
			name: "by-arch-not-found",
			arch: ArchAMD64,
			fns: []Fn{
				WithQEMUCommand("qemu"),
				ByArch(map[Arch]Fn{
					ArchArm64: ArbitraryArgs("-game"),
					ArchArm:   ArbitraryArgs("-foobar"),
				}),
			},
			want: []cmdlineEqualOpt{
				withArgv0("qemu"),
				withArg("-nographic"),
			},
		},
		{
			name: "all-ifs",
			arch: ArchAMD64,
			fns: []Fn{
				WithQEMUCommand("qemu"),
				All(
					IfArch(ArchAMD64, ArbitraryArgs("-game")),
					IfArch(ArchArm, ArbitraryArgs("-notgame")),
					IfNotArch(ArchAMD64, ArbitraryArgs("-notfoobar")),
					IfNotArch(ArchArm, ArbitraryArgs("-foobar")),
				),
			},
			want: []cmdlineEqualOpt{
				withArgv0("qemu"),
				withArg("-nographic"),
				withArg("-game"),
				withArg("-foobar"),
			},
		},
		{
			name: "all-error",
			arch: ArchAMD64,
			fns: []Fn{
				WithQEMUCommand("qemu"),
				All(
					IfArch(ArchAMD64, ArbitraryArgs("-game")),
					InstallerCDROM(""),
					func(alloc *IDAllocator, opts *Options) error {
						panic("not run!")
					},
				),
			},
			err: ErrInvalidFile,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := OptionsFor(tt.arch, tt.fns...)
			if !errors.Is(err, tt.err) {
				t.Errorf("OptionsFor = %v, want %v", err, tt.err)
			}
			if opts == nil {
				return
			}
			got, err := opts.Cmdline()
			if err != nil {
				t.Errorf("Cmdline = %v, want nil", err)
			}

			t.Logf("Got cmdline: %v", got)
			if err := isCmdlineEqual(got, tt.want...); err != nil {
				t.Errorf("Cmdline = %v", err)
			}
		})
	}
}
