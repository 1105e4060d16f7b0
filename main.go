// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command installtest boots an installer ISO in QEMU, drives the installer
// over the serial console, reboots from the installed disk, and reports
// pass or fail.
//
// Usage:
//
//	installtest [flags] ISO [DISK]
//
// DISK defaults to a fresh timestamped image name and is removed after the
// run unless -keep is given.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/hugelgupf/installtest/dialog"
	"github.com/hugelgupf/installtest/install"
	"github.com/hugelgupf/installtest/internal/logging"
)

type cliConfig struct {
	iso     string
	disk    string
	keep    bool
	silent  bool
	debug   bool
	logfile string
	noKVM   bool
}

func parseArgs(args []string, stderr io.Writer) (*cliConfig, error) {
	fs := flag.NewFlagSet("installtest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: installtest [flags] ISO [DISK]\n\n")
		fs.PrintDefaults()
	}

	var c cliConfig
	fs.BoolVar(&c.keep, "keep", false, "keep the disk image after the run")
	fs.BoolVar(&c.silent, "silent", false, "only log errors to the console")
	fs.BoolVar(&c.debug, "debug", false, "log the full console dialogue")
	fs.StringVar(&c.logfile, "logfile", "", "write a full-verbosity log to this file")
	fs.BoolVar(&c.noKVM, "no-kvm", false, "disable hardware virtualization")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch fs.NArg() {
	case 1:
		c.iso = fs.Arg(0)
	case 2:
		c.iso = fs.Arg(0)
		c.disk = fs.Arg(1)
	default:
		fs.Usage()
		return nil, fmt.Errorf("expected 1 or 2 positional arguments, got %d", fs.NArg())
	}
	return &c, nil
}

func run(c *cliConfig, stderr io.Writer) int {
	level := logging.LevelInfo
	if c.silent {
		level = logging.LevelError
	}
	if c.debug {
		level = logging.LevelDebug
	}

	logCfg := logging.Config{
		ConsoleLevel: level,
		Console:      stderr,
	}
	if c.logfile != "" {
		f, err := os.OpenFile(c.logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(stderr, "cannot open log file: %v\n", err)
			return 1
		}
		defer f.Close()
		logCfg.File = f
	}
	log := logging.New(logCfg)

	err := install.Run(&install.Config{
		ISO:   c.iso,
		Disk:  c.disk,
		Keep:  c.keep,
		NoKVM: c.noKVM,
		Log:   log,
	})
	if err != nil {
		switch dialog.KindOf(err) {
		case dialog.KindTimeout:
			log.Error("timed out waiting for the guest", "err", err)
		case dialog.KindShutdownTimeout:
			log.Error("guest did not power off", "err", err)
		case dialog.KindProcess:
			log.Error("guest process failed", "err", err)
		case dialog.KindVerification:
			log.Error("installed system failed verification", "err", err)
		default:
			log.Error("install test failed", "err", err)
		}
		log.Error("FAILED")
		return 1
	}
	log.Info("PASSED")
	return 0
}

func main() {
	c, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(1)
	}
	os.Exit(run(c, os.Stderr))
}
