// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dialog drives a scripted expect/send dialogue over a serial
// console and classifies failures by kind.
package dialog

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-expect"

	"github.com/hugelgupf/installtest/internal/logging"
)

// Step is one expect/send interaction: wait until the console shows one of
// the Expect patterns, then optionally send a reply line.
type Step struct {
	// Name identifies the step in logs and errors.
	Name string

	// Expect are candidate literal patterns; the step completes when any
	// one of them appears. The matched pattern is reported in listed
	// order of preference.
	Expect []string

	// Send is the reply line to write after the match. Empty means
	// expect-only, unless SendEmpty is set.
	Send string

	// SendEmpty sends a bare newline after the match (accept a default).
	SendEmpty bool

	// Timeout overrides the console's default expect timeout for this
	// step. Zero uses the default.
	Timeout time.Duration
}

// Runner executes dialogue steps against a console.
type Runner struct {
	Console *expect.Console
	Log     *logging.Logger
}

// Do executes one step and returns the Expect pattern that matched.
func (r *Runner) Do(step Step) (string, error) {
	if len(step.Expect) == 0 {
		return "", &Error{Step: step.Name, Kind: KindInternal, Err: errors.New("step has no expect patterns")}
	}

	r.Log.Debug("waiting for console output", "step", step.Name, "patterns", strings.Join(step.Expect, " | "))

	var opts []expect.ExpectOpt
	opts = append(opts, expect.String(step.Expect...))
	if step.Timeout > 0 {
		opts = append(opts, expect.WithTimeout(step.Timeout))
	}

	start := time.Now()
	buf, err := r.Console.Expect(opts...)
	if err != nil {
		return "", &Error{Step: step.Name, Kind: classify(err, start, step.Timeout), Err: err}
	}

	matched := ""
	for _, pat := range step.Expect {
		if strings.Contains(buf, pat) {
			matched = pat
			break
		}
	}
	r.Log.Debug("matched console output", "step", step.Name, "pattern", matched)

	if step.Send != "" || step.SendEmpty {
		if _, err := r.Console.SendLine(step.Send); err != nil {
			return matched, &Error{Step: step.Name, Kind: KindProcess, Err: err}
		}
		r.Log.Debug("sent reply", "step", step.Name)
	}
	return matched, nil
}

// Send writes a reply line outside of an expect step, e.g. when the prompt
// was already consumed by a previous match.
func (r *Runner) Send(stepName, line string) error {
	if _, err := r.Console.SendLine(line); err != nil {
		return &Error{Step: stepName, Kind: KindProcess, Err: err}
	}
	r.Log.Debug("sent line", "step", stepName)
	return nil
}

// Run executes steps in order, stopping at the first failure.
func (r *Runner) Run(steps []Step) error {
	for _, step := range steps {
		if _, err := r.Do(step); err != nil {
			return err
		}
	}
	return nil
}

// classify maps an expect failure to a Kind. go-expect surfaces its read
// deadline as os.ErrDeadlineExceeded; a step that consumed its whole budget
// counts as a timeout even if the pty error is dressed up differently.
func classify(err error, start time.Time, budget time.Duration) Kind {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	if budget > 0 && time.Since(start) >= budget {
		return KindTimeout
	}
	return KindProcess
}
