// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logging

import (
	"strings"
	"testing"
)

func TestConsoleThreshold(t *testing.T) {
	var console strings.Builder
	log := New(Config{ConsoleLevel: LevelError, Console: &console})

	log.Info("quiet progress")
	log.Error("something broke")

	out := console.String()
	if strings.Contains(out, "quiet progress") {
		t.Errorf("console output contains INFO line below threshold: %q", out)
	}
	if !strings.Contains(out, "something broke") {
		t.Errorf("console output missing ERROR line: %q", out)
	}
}

func TestFileSinkAlwaysVerbose(t *testing.T) {
	var console, file strings.Builder
	log := New(Config{ConsoleLevel: LevelError, Console: &console, File: &file})

	log.Debug("dialogue detail")
	log.Info("quiet progress")
	log.Error("something broke")

	if out := console.String(); strings.Contains(out, "quiet progress") {
		t.Errorf("console output contains suppressed line: %q", out)
	}
	out := file.String()
	for _, want := range []string{"dialogue detail", "quiet progress", "something broke"} {
		if !strings.Contains(out, want) {
			t.Errorf("file output missing %q: %q", want, out)
		}
	}
}

func TestComponentPrefix(t *testing.T) {
	var console strings.Builder
	log := New(Config{ConsoleLevel: LevelDebug, Console: &console})

	log.WithComponent("serial").Debug("guest line", "step", "login")

	out := console.String()
	if !strings.Contains(out, "serial: guest line") {
		t.Errorf("output missing component prefix: %q", out)
	}
	if !strings.Contains(out, "[debug]") {
		t.Errorf("output missing level: %q", out)
	}
	if !strings.Contains(out, "step=login") {
		t.Errorf("output missing attribute: %q", out)
	}
}

func TestAttrQuoting(t *testing.T) {
	var console strings.Builder
	log := New(Config{ConsoleLevel: LevelInfo, Console: &console})

	log.Info("ran", "cmdline", "qemu -m 1024")

	if out := console.String(); !strings.Contains(out, `cmdline="qemu -m 1024"`) {
		t.Errorf("output missing quoted attribute: %q", out)
	}
}

func TestSetLevel(t *testing.T) {
	var console strings.Builder
	log := New(Config{ConsoleLevel: LevelInfo, Console: &console})

	log.Debug("hidden")
	log.SetLevel(LevelDebug)
	log.Debug("visible")

	out := console.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("output contains line logged below threshold: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("output missing line after SetLevel: %q", out)
	}
}
