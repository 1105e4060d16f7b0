// Copyright 2024 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dialog

import (
	"errors"
	"fmt"
)

// Kind classifies a dialogue failure.
type Kind int

const (
	// KindInternal is a bug in the caller, e.g. a step with no patterns.
	KindInternal Kind = iota

	// KindTimeout means an expected pattern never appeared in time.
	KindTimeout

	// KindProcess means the guest process failed: closed console,
	// unexpected EOF, or a write to a dead pty.
	KindProcess

	// KindShutdownTimeout means the guest did not power off within the
	// polling budget.
	KindShutdownTimeout

	// KindVerification means the guest booted but the verification
	// command reported a failure.
	KindVerification
)

// String returns the kind's log name.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindProcess:
		return "process"
	case KindShutdownTimeout:
		return "shutdown-timeout"
	case KindVerification:
		return "verification"
	}
	return "internal"
}

// Error is a dialogue failure attributed to a named step.
type Error struct {
	// Step is the name of the step that failed.
	Step string

	// Kind classifies the failure.
	Kind Kind

	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("step %q failed (%s)", e.Step, e.Kind)
	}
	return fmt.Sprintf("step %q failed (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from err, or KindInternal if err carries
// none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
