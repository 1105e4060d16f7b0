// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package qemu provides a Go API for booting OS images in QEMU and driving
// their serial console.
//
// The environment variable `INSTALLTEST_QEMU` overrides the path to QEMU and
// the first few arguments. For example:
//
//	INSTALLTEST_QEMU='qemu-system-x86_64 -L . -m 4096'
//
// Other environment variables:
//
//	INSTALLTEST_QEMU_APPEND (appends arguments to the QEMU command line)
//	INSTALLTEST_QEMU_IMG    (overrides the qemu-img binary for disk creation)
//	INSTALLTEST_ARCH        (used when the guest architecture is ArchUseEnvv)
//	INSTALLTEST_TIMEOUT     (duration after which a VM is killed)
package qemu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Netflix/go-expect"
	"github.com/creack/pty"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// ErrUnsupportedArch is returned when an unsupported guest architecture is
// requested. The guest arch is required to pick a default QEMU binary.
var ErrUnsupportedArch = errors.New("unsupported guest architecture specified")

// ErrInvalidTimeout is returned when INSTALLTEST_TIMEOUT is not a parseable
// duration (e.g. "900" instead of "15m").
var ErrInvalidTimeout = errors.New("invalid INSTALLTEST_TIMEOUT duration")

// Arch is the QEMU guest architecture.
type Arch string

const (
	// ArchUseEnvv resolves the guest architecture from INSTALLTEST_ARCH,
	// falling back to the host architecture.
	ArchUseEnvv Arch = "env"

	ArchAMD64 Arch = "amd64"
	Arch386   Arch = "386"
	ArchArm   Arch = "arm"
	ArchArm64 Arch = "arm64"
)

// SupportedArches are the supported guest architecture values.
var SupportedArches = []Arch{
	ArchAMD64,
	Arch386,
	ArchArm,
	ArchArm64,
}

// Valid returns whether the guest arch is a supported value.
func (a Arch) Valid() bool {
	return slices.Contains(SupportedArches, a)
}

// QEMUCommand returns the default QEMU binary name for the guest arch.
func (a Arch) QEMUCommand() string {
	switch a {
	case ArchAMD64:
		return "qemu-system-x86_64"
	case Arch386:
		return "qemu-system-i386"
	case ArchArm:
		return "qemu-system-arm"
	case ArchArm64:
		return "qemu-system-aarch64"
	}
	return "qemu"
}

// GuestArch returns the presumed guest architecture: INSTALLTEST_ARCH if set,
// the host architecture otherwise.
func GuestArch() Arch {
	if a := os.Getenv("INSTALLTEST_ARCH"); a != "" {
		return Arch(a)
	}
	return Arch(runtime.GOARCH)
}

// Fn is a QEMU VM configuration option supplied to OptionsFor or Start.
type Fn func(*IDAllocator, *Options) error

// Options are VM start-up parameters.
type Options struct {
	// QEMUCommand is the QEMU binary to invoke plus leading arguments.
	//
	// If empty, the INSTALLTEST_QEMU env var is used. If that is also
	// unset, the arch-specific qemu-system binary name is the default.
	QEMUCommand string

	// QEMUArgs are appended to the QEMU command line.
	QEMUArgs []string

	// SerialOutput receive a copy of everything the guest writes to the
	// serial console. They are closed when the VM exits.
	SerialOutput []io.WriteCloser

	// ExpectTimeout is the default timeout for console Expect calls.
	// Individual expects may override it. Zero means block indefinitely.
	ExpectTimeout time.Duration

	// VMTimeout is the maximum wall-clock lifetime of the VM process,
	// after which it is killed. Zero means no limit.
	VMTimeout time.Duration

	// Tasks are goroutines running alongside the VM process.
	//
	// A task is expected to exit either when ctx is canceled or when the
	// VM process exits (e.g. when serial input hits EOF).
	Tasks []Task

	arch Arch
}

// Task is a goroutine running alongside the VM process.
type Task func(ctx context.Context, n *Notifications) error

// Notifications gives tasks the ability to wait for VM lifecycle events.
type Notifications struct {
	// VMStarted is closed when the VM process has been started.
	VMStarted chan struct{}

	// VMExited receives the VM process exit status, then is closed.
	VMExited chan error
}

func newNotifications() *Notifications {
	return &Notifications{
		VMStarted: make(chan struct{}),
		VMExited:  make(chan error, 1),
	}
}

// WaitVMStarted waits for the VM to start before running t, or returns
// without running t if the VM never starts.
func WaitVMStarted(t Task) Task {
	return func(ctx context.Context, n *Notifications) error {
		select {
		case <-n.VMStarted:
		case <-ctx.Done():
			return nil
		}
		return t(ctx, n)
	}
}

// Cleanup runs f after the VM process has exited or failed to start.
func Cleanup(f func() error) Task {
	return func(ctx context.Context, n *Notifications) error {
		<-ctx.Done()
		return f()
	}
}

// WithTask adds tasks to run alongside the VM process.
func WithTask(t ...Task) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		opts.Tasks = append(opts.Tasks, t...)
		return nil
	}
}

// WithQEMUCommand sets the QEMU binary to invoke, plus leading arguments.
func WithQEMUCommand(cmd string) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		opts.QEMUCommand = cmd
		return nil
	}
}

// WithMemory sets the guest RAM size in megabytes.
func WithMemory(megabytes int) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		opts.AppendQEMU("-m", fmt.Sprintf("%d", megabytes))
		return nil
	}
}

// WithVMTimeout sets the maximum wall-clock lifetime of the VM process.
func WithVMTimeout(timeout time.Duration) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		opts.VMTimeout = timeout
		return nil
	}
}

// WithDefaultExpectTimeout sets the default timeout for console Expect
// calls.
func WithDefaultExpectTimeout(timeout time.Duration) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		opts.ExpectTimeout = timeout
		return nil
	}
}

// WithSerialOutput adds writers that receive everything the guest writes to
// the serial console.
func WithSerialOutput(w ...io.WriteCloser) Fn {
	return func(alloc *IDAllocator, opts *Options) error {
		opts.SerialOutput = append(opts.SerialOutput, w...)
		return nil
	}
}

// AppendQEMU appends args to the QEMU command line.
func (o *Options) AppendQEMU(s ...string) {
	o.QEMUArgs = append(o.QEMUArgs, s...)
}

// GuestArch returns the guest architecture the options were resolved for.
func (o *Options) GuestArch() Arch {
	return o.arch
}

// OptionsFor evaluates fns and returns the resulting VM options.
//
// If arch is ArchUseEnvv, the arch is taken from INSTALLTEST_ARCH or the
// host architecture.
func OptionsFor(arch Arch, fns ...Fn) (*Options, error) {
	o := &Options{
		// Disable graphics; all interaction happens over serial.
		QEMUArgs: []string{"-nographic"},
	}
	if arch == ArchUseEnvv {
		o.arch = GuestArch()
	} else {
		o.arch = arch
	}
	if !o.arch.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedArch, o.arch)
	}

	if t := os.Getenv("INSTALLTEST_TIMEOUT"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTimeout, err)
		}
		o.VMTimeout = d
	}

	alloc := NewIDAllocator()
	for _, fn := range fns {
		if fn == nil {
			continue
		}
		if err := fn(alloc, o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Cmdline returns the command line arguments used to start QEMU, derived
// from the options.
func (o *Options) Cmdline() ([]string, error) {
	var args []string
	if len(o.QEMUCommand) > 0 {
		args = strings.Fields(o.QEMUCommand)
	} else if env := os.Getenv("INSTALLTEST_QEMU"); env != "" {
		args = strings.Fields(env)
	} else {
		args = []string{o.arch.QEMUCommand()}
	}

	args = append(args, o.QEMUArgs...)

	if extra := os.Getenv("INSTALLTEST_QEMU_APPEND"); extra != "" {
		args = append(args, strings.Fields(extra)...)
	}
	return args, nil
}

// Start starts a QEMU VM with the given configuration.
func Start(arch Arch, fns ...Fn) (*VM, error) {
	o, err := OptionsFor(arch, fns...)
	if err != nil {
		return nil, err
	}
	return o.Start()
}

// VM is a running QEMU virtual machine and its serial console.
type VM struct {
	Options *Options

	// Console gives access to the VM's serial console.
	Console *expect.Console

	cmdline   []string
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	notifs    []*Notifications
	taskGroup errgroup.Group
	killTimer *time.Timer

	// exited is closed by the reaper goroutine once the process is gone.
	exited  chan struct{}
	waitErr error

	waitOnce sync.Once
	finalErr error
}

// Start starts a QEMU VM.
func (o *Options) Start() (*VM, error) {
	ctx, cancel := context.WithCancel(context.Background())
	vm := &VM{
		Options: o,
		cancel:  cancel,
		exited:  make(chan struct{}),
	}

	// Tasks start first so cleanup tasks observe start failures, too.
	for _, t := range o.Tasks {
		t := t
		n := newNotifications()
		vm.notifs = append(vm.notifs, n)
		vm.taskGroup.Go(func() error {
			return t(ctx, n)
		})
	}

	// Unblocks tasks reading from the serial output when startup fails
	// before a console exists.
	fail := func(err error) error {
		cancel()
		for _, w := range o.SerialOutput {
			w.Close()
		}
		_ = vm.taskGroup.Wait()
		return err
	}

	cmdline, err := o.Cmdline()
	if err != nil {
		return nil, fail(err)
	}
	vm.cmdline = cmdline

	consoleOpts := []expect.ConsoleOpt{
		expect.WithCloser(toClosers(o.SerialOutput)...),
	}
	for _, w := range o.SerialOutput {
		consoleOpts = append(consoleOpts, expect.WithStdout(w))
	}
	if o.ExpectTimeout > 0 {
		consoleOpts = append(consoleOpts, expect.WithDefaultTimeout(o.ExpectTimeout))
	}
	c, err := expect.NewConsole(consoleOpts...)
	if err != nil {
		return nil, fail(err)
	}
	vm.Console = c

	// Some guests misbehave on a zero-sized terminal.
	_ = pty.Setsize(c.Tty(), &pty.Winsize{Rows: 40, Cols: 120})

	cmd := exec.Command(cmdline[0], cmdline[1:]...)
	cmd.Stdin = c.Tty()
	cmd.Stdout = c.Tty()
	cmd.Stderr = c.Tty()
	if err := cmd.Start(); err != nil {
		c.Close()
		cancel()
		_ = vm.taskGroup.Wait()
		return nil, err
	}
	vm.cmd = cmd

	// Close tty in parent, so that when the child exits, the last
	// reference to it is gone and console Expect calls see EOF.
	c.Tty().Close()

	for _, n := range vm.notifs {
		close(n.VMStarted)
	}

	if o.VMTimeout > 0 {
		vm.killTimer = time.AfterFunc(o.VMTimeout, func() {
			_ = cmd.Process.Kill()
		})
	}

	go func() {
		err := cmd.Wait()
		if vm.killTimer != nil {
			vm.killTimer.Stop()
		}
		vm.waitErr = err
		for _, n := range vm.notifs {
			n.VMExited <- err
			close(n.VMExited)
		}
		cancel()
		close(vm.exited)
	}()
	return vm, nil
}

func toClosers(ws []io.WriteCloser) []io.Closer {
	cs := make([]io.Closer, 0, len(ws))
	for _, w := range ws {
		cs = append(cs, w)
	}
	return cs
}

// Cmdline is the command line the VM was started with.
func (v *VM) Cmdline() []string {
	return slices.Clone(v.cmdline)
}

// CmdlineQuoted quotes any of QEMU's command line arguments containing a
// space so it is easy to copy-n-paste into a shell for debugging.
func (v *VM) CmdlineQuoted() string {
	args := make([]string, len(v.cmdline))
	for i, arg := range v.cmdline {
		if strings.ContainsAny(arg, " \t\n") {
			args[i] = fmt.Sprintf("'%s'", arg)
		} else {
			args[i] = arg
		}
	}
	return strings.Join(args, " ")
}

// Kill kills the VM process.
func (v *VM) Kill() error {
	return v.cmd.Process.Kill()
}

// Exited reports whether the VM process has exited, without blocking.
func (v *VM) Exited() bool {
	select {
	case <-v.exited:
		return true
	default:
		return false
	}
}

// Wait waits for the VM to exit, releases the console, and waits for all
// tasks. Wait may be called more than once; later calls return the same
// result.
func (v *VM) Wait() error {
	v.waitOnce.Do(func() {
		<-v.exited
		err := v.waitErr
		if _, cerr := v.Console.ExpectEOF(); cerr != nil && err == nil {
			err = cerr
		}
		v.Console.Close()
		v.cancel()
		if terr := v.taskGroup.Wait(); terr != nil && err == nil {
			err = terr
		}
		v.finalErr = err
	})
	return v.finalErr
}
