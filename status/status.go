// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package status defines the closed set of semantic result kinds shared by
// the object state machine, the Backend interface, and the client-facing Log
// API.
//
// These replace the errno-style (-ENOENT, -ESPIPE, ...) return codes used by
// the C++ source this design is drawn from: every backend boundary returns
// one of these sentinel errors instead of throwing or returning a bare int,
// so operation-pipeline retry loops can dispatch on them with errors.Is.
package status

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleEpoch is returned when an operation's epoch is older than the
	// epoch an object (or the head object's view chain) currently requires.
	ErrStaleEpoch = errors.New("stripelog: stale epoch")

	// ErrReadOnly is returned when a Write targets a position that is no
	// longer empty (written, filled or trimmed), or a Fill targets a
	// written position.
	ErrReadOnly = errors.New("stripelog: position is read-only")

	// ErrNotWritten is returned by Read when the position has never been
	// written.
	ErrNotWritten = errors.New("stripelog: position not written")

	// ErrInvalidated is returned by Read when the position has been filled
	// or trimmed.
	ErrInvalidated = errors.New("stripelog: position invalidated")

	// ErrUnmapped is returned by the striper when a position falls outside
	// every stripe of the current view.
	ErrUnmapped = errors.New("stripelog: position unmapped by current view")

	// ErrNotFound is returned when an object (stripe, head, or link) has
	// never been sealed/created.
	ErrNotFound = errors.New("stripelog: object not found")

	// ErrExists is returned by Init/create_log when the target already
	// exists.
	ErrExists = errors.New("stripelog: already exists")

	// ErrInvalidArg is returned for caller-supplied arguments that can never
	// succeed (e.g. empty log name).
	ErrInvalidArg = errors.New("stripelog: invalid argument")

	// ErrIoError wraps serialization or transport failures from a backend.
	// Always check with errors.Is(err, ErrIoError); the wrapped error has
	// the underlying cause.
	ErrIoError = errors.New("stripelog: io error")

	// ErrShutdown is delivered to any operation still pending when the log
	// (or its pipeline) is closed.
	ErrShutdown = errors.New("stripelog: shut down")
)

// IoError wraps cause as an ErrIoError-comparable error.
func IoError(cause error) error {
	return fmt.Errorf("%w: %v", ErrIoError, cause)
}
