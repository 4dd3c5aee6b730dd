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

package osm

import (
	"errors"
	"testing"

	"github.com/stripelog/stripelog/status"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	o := NewObject()
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := o.Write(1, 5, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := o.Read(1, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q, want %q", got, "hello")
	}
}

func TestWriteIsSingleWriterWins(t *testing.T) {
	o := NewObject()
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := o.Write(1, 0, []byte("first")); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := o.Write(1, 0, []byte("second")); !errors.Is(err, status.ErrReadOnly) {
		t.Fatalf("second Write err = %v, want ErrReadOnly", err)
	}
	got, err := o.Read(1, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "first" {
		t.Fatalf("Read = %q, want %q (second Write must not have landed)", got, "first")
	}
}

func TestReadOnEmptyIsNotWritten(t *testing.T) {
	o := NewObject()
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := o.Read(1, 42); !errors.Is(err, status.ErrNotWritten) {
		t.Fatalf("Read(empty) err = %v, want ErrNotWritten", err)
	}
}

func TestReadOnUnsealedObjectIsNotFound(t *testing.T) {
	o := NewObject()
	if _, err := o.Read(1, 0); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("Read(unsealed) err = %v, want ErrNotFound", err)
	}
	if err := o.Write(1, 0, []byte("x")); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("Write(unsealed) err = %v, want ErrNotFound", err)
	}
}

func TestFillIsIdempotentAndBlocksFutureWrites(t *testing.T) {
	o := NewObject()
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := o.Fill(1, 7); err != nil {
		t.Fatalf("first Fill: %v", err)
	}
	if err := o.Fill(1, 7); err != nil {
		t.Fatalf("second Fill: %v", err)
	}
	if err := o.Write(1, 7, []byte("late")); !errors.Is(err, status.ErrReadOnly) {
		t.Fatalf("Write(filled) err = %v, want ErrReadOnly", err)
	}
	if _, err := o.Read(1, 7); !errors.Is(err, status.ErrInvalidated) {
		t.Fatalf("Read(filled) err = %v, want ErrInvalidated", err)
	}
}

func TestFillAfterWriteIsReadOnly(t *testing.T) {
	o := NewObject()
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := o.Write(1, 3, []byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := o.Fill(1, 3); !errors.Is(err, status.ErrReadOnly) {
		t.Fatalf("Fill(written) err = %v, want ErrReadOnly", err)
	}
}

func TestTrimHidesWriteAndIsIdempotent(t *testing.T) {
	o := NewObject()
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := o.Write(1, 0, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := o.Trim(1, 0); err != nil {
		t.Fatalf("first Trim: %v", err)
	}
	if _, err := o.Read(1, 0); !errors.Is(err, status.ErrInvalidated) {
		t.Fatalf("Read(trimmed) err = %v, want ErrInvalidated", err)
	}
	if err := o.Trim(1, 0); err != nil {
		t.Fatalf("second Trim: %v", err)
	}
	if _, err := o.Read(1, 0); !errors.Is(err, status.ErrInvalidated) {
		t.Fatalf("Read(trimmed again) err = %v, want ErrInvalidated", err)
	}
}

func TestTrimOnEmptyPositionSucceeds(t *testing.T) {
	// Open Question (a): trim on a never-written position is Ok, not an
	// error (spec.md §9).
	o := NewObject()
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := o.Trim(1, 99); err != nil {
		t.Fatalf("Trim(empty): %v", err)
	}
	if _, err := o.Read(1, 99); !errors.Is(err, status.ErrInvalidated) {
		t.Fatalf("Read(trimmed-from-empty) err = %v, want ErrInvalidated", err)
	}
}

func TestSealRequiresStrictlyGreaterEpoch(t *testing.T) {
	o := NewObject()
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal(1): %v", err)
	}
	if err := o.Seal(1); !errors.Is(err, status.ErrStaleEpoch) {
		t.Fatalf("Seal(1) replay err = %v, want ErrStaleEpoch", err)
	}
	if err := o.Seal(2); err != nil {
		t.Fatalf("Seal(2): %v", err)
	}
}

func TestEpochGuardRejectsStaleOps(t *testing.T) {
	o := NewObject()
	if err := o.Seal(2); err != nil {
		t.Fatalf("Seal(2): %v", err)
	}
	if err := o.Write(1, 0, []byte("x")); !errors.Is(err, status.ErrStaleEpoch) {
		t.Fatalf("Write under epoch 1 err = %v, want ErrStaleEpoch", err)
	}
	if _, err := o.Read(1, 0); !errors.Is(err, status.ErrStaleEpoch) {
		t.Fatalf("Read under epoch 1 err = %v, want ErrStaleEpoch", err)
	}
	// Equal to sealed epoch is allowed.
	if err := o.Write(2, 0, []byte("x")); err != nil {
		t.Fatalf("Write at sealed epoch: %v", err)
	}
}

func TestMaxPosRequiresExactEpochMatch(t *testing.T) {
	o := NewObject()
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, _, err := o.MaxPos(1); err != nil {
		t.Fatalf("MaxPos before any write: %v", err)
	}
	if pos, empty, err := o.MaxPos(1); err != nil || !empty || pos != 0 {
		t.Fatalf("MaxPos(empty) = (%d, %v, %v), want (0, true, nil)", pos, empty, err)
	}

	if err := o.Write(1, 10, []byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := o.Write(1, 4, []byte("b")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	pos, empty, err := o.MaxPos(1)
	if err != nil {
		t.Fatalf("MaxPos: %v", err)
	}
	if empty || pos != 10 {
		t.Fatalf("MaxPos = (%d, %v), want (10, false)", pos, empty)
	}

	// A stale epoch 0 or a not-yet-reached epoch 2 both fail the strict
	// equality guard (spec.md §4.1 MaxPos).
	if _, _, err := o.MaxPos(2); !errors.Is(err, status.ErrStaleEpoch) {
		t.Fatalf("MaxPos(2) err = %v, want ErrStaleEpoch", err)
	}
}

func TestTrimUpdatesMaxPositionFromEmpty(t *testing.T) {
	o := NewObject()
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := o.Trim(1, 20); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	pos, empty, err := o.MaxPos(1)
	if err != nil {
		t.Fatalf("MaxPos: %v", err)
	}
	if empty || pos != 20 {
		t.Fatalf("MaxPos after Trim(20) = (%d, %v), want (20, false)", pos, empty)
	}
}

func TestPositionsReturnsAscendingTouchedSet(t *testing.T) {
	o := NewObject()
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	for _, p := range []uint64{9, 1, 5} {
		if err := o.Write(1, p, []byte{byte(p)}); err != nil {
			t.Fatalf("Write(%d): %v", p, err)
		}
	}
	got := o.Positions()
	want := []uint64{1, 5, 9}
	if len(got) != len(want) {
		t.Fatalf("Positions() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Positions() = %v, want %v", got, want)
		}
	}
}
