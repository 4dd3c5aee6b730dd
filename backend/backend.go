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

// Package backend declares the storage contract consumed by the log
// runtime (striper, view manager, operation pipeline). It corresponds to
// spec.md §6's "Backend interface".
//
// Two reference implementations live alongside this package: backend/memory
// (an in-memory backend, for tests and single-process use) and
// backend/objstore (S3 and GCS backed, for production use). backend/posixstore
// provides a third, filesystem-backed option for local/offline use.
package backend

import "context"

// Backend is the storage contract that the log runtime is built against.
// Implementations must be safe for concurrent use by multiple goroutines.
type Backend interface {
	// Meta returns free-form metadata describing this backend instance,
	// useful for diagnostics (e.g. {"scheme": "s3", "bucket": "..."}).
	Meta() map[string]string

	// CreateLog creates a brand-new log: a link object, a head object, and
	// the log's first view (epoch 1, payload as given). Returns
	// status.ErrExists if the named log's link object already exists.
	CreateLog(ctx context.Context, name string, firstViewPayload []byte) (headOID, prefix string, err error)

	// OpenLog resolves an existing log's link object to its head object and
	// stripe-object prefix. Returns status.ErrNotFound if the log doesn't
	// exist, or if the link exists but its head object does not.
	OpenLog(ctx context.Context, name string) (headOID, prefix string, err error)

	// UniqueID durably increments and returns the head object's unique-id
	// counter. Stripe-object names do not use it: the striper names them by
	// shard index.
	UniqueID(ctx context.Context, headOID string) (uint64, error)

	// ReadViews returns up to max consecutive views beginning at startEpoch,
	// keyed by epoch. Returns an empty map if startEpoch exceeds the stored
	// maximum epoch. Never returns a result with gaps.
	ReadViews(ctx context.Context, headOID string, startEpoch uint64, max int) (map[uint64][]byte, error)

	// ProposeView appends a new view at epoch, succeeding iff epoch is
	// exactly one greater than the stored maximum epoch. This is the
	// linearization point of reconfiguration (spec.md §3 View monotonicity).
	// Returns status.ErrStaleEpoch otherwise.
	ProposeView(ctx context.Context, headOID string, epoch uint64, payload []byte) error

	// Read returns the data written at position under epoch, or one of
	// status.ErrNotWritten, status.ErrInvalidated, status.ErrStaleEpoch,
	// status.ErrNotFound.
	Read(ctx context.Context, oid string, epoch, position uint64) ([]byte, error)

	// Write appends data at position under epoch. Returns status.ErrReadOnly
	// if the position is already non-Empty, status.ErrStaleEpoch, or
	// status.ErrNotFound if the object has never been sealed.
	Write(ctx context.Context, oid string, epoch, position uint64, data []byte) error

	// Fill invalidates position so no future Write can claim it. Idempotent.
	Fill(ctx context.Context, oid string, epoch, position uint64) error

	// Trim garbage-collects position regardless of its prior state.
	// Idempotent, and succeeds even against an Empty position.
	Trim(ctx context.Context, oid string, epoch, position uint64) error

	// Seal advances oid's accepted epoch, creating the object if it has
	// never been sealed before. Returns status.ErrStaleEpoch if epoch is
	// not strictly greater than the object's current sealed epoch.
	Seal(ctx context.Context, oid string, epoch uint64) error

	// MaxPos returns the largest position ever touched by Write, Fill or Trim
	// under the given epoch (which must exactly match the object's sealed
	// epoch), and whether the object has no touched positions at all.
	MaxPos(ctx context.Context, oid string, epoch uint64) (position uint64, empty bool, err error)
}
