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

// Package osm implements the per-stripe-object log-entry state machine:
// the epoch-guarded index of entry states (empty/written/invalidated/
// trimmed) that every stripe object maintains.
//
// This is deliberately storage-agnostic: the in-memory backend holds Objects
// as live values, the object-store and posix backends serialize them, and
// all of them apply these same pure functions, so the entry-transition rules
// (and their corner cases) live in exactly one place.
package osm

import (
	"sort"

	"github.com/stripelog/stripelog/status"
)

// EntryState is the state of a single log position within a stripe object.
type EntryState int

const (
	// Empty is the implicit state of any position never referenced by a
	// Write, Fill, or Trim call.
	Empty EntryState = iota
	Written
	Invalidated
	Trimmed
)

// Entry is the persisted representation of one log position.
type Entry struct {
	State EntryState
	Data  []byte
}

// Object is the durable state of a single stripe object: its sealed epoch,
// its sparse position index, and the largest position ever touched.
//
// The zero value represents an object that has never been sealed (spec.md
// §4.1: sealed_epoch 0 means "unset").
type Object struct {
	SealedEpoch uint64
	Entries     map[uint64]Entry
	MaxPosition uint64
	HasMax      bool
}

// NewObject returns an empty, unsealed Object.
func NewObject() *Object {
	return &Object{Entries: map[uint64]Entry{}}
}

// checkEpoch applies the standard "less-than" epoch guard used by
// read/write/fill/trim. Seal and MaxPos apply their own stricter guards.
func (o *Object) checkEpoch(epoch uint64) error {
	if o.SealedEpoch == 0 {
		return status.ErrNotFound
	}
	if epoch < o.SealedEpoch {
		return status.ErrStaleEpoch
	}
	return nil
}

// Write implements spec.md §4.1 Write(epoch, position, data).
func (o *Object) Write(epoch, position uint64, data []byte) error {
	if err := o.checkEpoch(epoch); err != nil {
		return err
	}
	if _, ok := o.Entries[position]; ok {
		// Written, Invalidated, or Trimmed: all are read-only to Write.
		return status.ErrReadOnly
	}
	o.Entries[position] = Entry{State: Written, Data: append([]byte(nil), data...)}
	o.bumpMax(position)
	return nil
}

// Read implements spec.md §4.1 Read(epoch, position).
func (o *Object) Read(epoch, position uint64) ([]byte, error) {
	if err := o.checkEpoch(epoch); err != nil {
		return nil, err
	}
	e, ok := o.Entries[position]
	if !ok {
		return nil, status.ErrNotWritten
	}
	switch e.State {
	case Written:
		return e.Data, nil
	case Invalidated, Trimmed:
		return nil, status.ErrInvalidated
	default:
		return nil, status.ErrNotWritten
	}
}

// Fill implements spec.md §4.1 Fill(epoch, position): invalidate an unused
// position so no future Append can claim it. Idempotent once invalidated or
// trimmed; rejected against a Written position.
func (o *Object) Fill(epoch, position uint64) error {
	if err := o.checkEpoch(epoch); err != nil {
		return err
	}
	e, ok := o.Entries[position]
	if !ok {
		o.Entries[position] = Entry{State: Invalidated}
		o.bumpMax(position)
		return nil
	}
	switch e.State {
	case Invalidated, Trimmed:
		return nil
	case Written:
		return status.ErrReadOnly
	default:
		o.Entries[position] = Entry{State: Invalidated}
		return nil
	}
}

// Trim implements spec.md §4.1 Trim(epoch, position): the GC primitive,
// always succeeds given an epoch check, and clears payload bytes once it
// transitions a Written entry.
func (o *Object) Trim(epoch, position uint64) error {
	if err := o.checkEpoch(epoch); err != nil {
		return err
	}
	e, ok := o.Entries[position]
	if !ok {
		o.Entries[position] = Entry{State: Trimmed}
		o.bumpMax(position)
		return nil
	}
	if e.State == Trimmed {
		return nil
	}
	o.Entries[position] = Entry{State: Trimmed}
	return nil
}

// Seal implements spec.md §4.1 Seal(epoch): the object-initialization path.
// Unlike the other operations, the guard is strict: epoch must be strictly
// greater than the currently stored epoch (0 included, so the very first
// Seal at epoch 1 always succeeds against a fresh object).
func (o *Object) Seal(epoch uint64) error {
	if epoch <= o.SealedEpoch {
		return status.ErrStaleEpoch
	}
	o.SealedEpoch = epoch
	return nil
}

// MaxPos implements spec.md §4.1 MaxPos(epoch): strict equality guard, since
// readers asking under a stale or premature view should be told to refresh.
func (o *Object) MaxPos(epoch uint64) (pos uint64, empty bool, err error) {
	if o.SealedEpoch == 0 {
		return 0, false, status.ErrNotFound
	}
	if epoch != o.SealedEpoch {
		return 0, false, status.ErrStaleEpoch
	}
	if !o.HasMax {
		return 0, true, nil
	}
	return o.MaxPosition, false, nil
}

func (o *Object) bumpMax(position uint64) {
	if !o.HasMax || position > o.MaxPosition {
		o.MaxPosition = position
		o.HasMax = true
	}
}

// Positions returns the set of positions this object has an entry for, in
// ascending numeric order, the way the original's zero-padded omap keys
// iterate in position order.
func (o *Object) Positions() []uint64 {
	out := make([]uint64, 0, len(o.Entries))
	for p := range o.Entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
