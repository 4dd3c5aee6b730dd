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

package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stripelog/stripelog/status"
)

func TestCreateLogThenOpenLog(t *testing.T) {
	ctx := context.Background()
	b := New()

	hoid, prefix, err := b.CreateLog(ctx, "mylog", []byte("view-1"))
	if err != nil {
		t.Fatalf("CreateLog: %v", err)
	}
	if prefix != "mylog" {
		t.Fatalf("CreateLog prefix = %q, want %q", prefix, "mylog")
	}

	gotOID, gotPrefix, err := b.OpenLog(ctx, "mylog")
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	if gotOID != hoid || gotPrefix != prefix {
		t.Fatalf("OpenLog = (%q, %q), want (%q, %q)", gotOID, gotPrefix, hoid, prefix)
	}
}

func TestCreateLogTwiceFails(t *testing.T) {
	ctx := context.Background()
	b := New()

	if _, _, err := b.CreateLog(ctx, "dup", []byte("v1")); err != nil {
		t.Fatalf("first CreateLog: %v", err)
	}
	if _, _, err := b.CreateLog(ctx, "dup", []byte("v1")); !errors.Is(err, status.ErrExists) {
		t.Fatalf("second CreateLog err = %v, want ErrExists", err)
	}
}

func TestOpenLogMissing(t *testing.T) {
	ctx := context.Background()
	b := New()

	if _, _, err := b.OpenLog(ctx, "nope"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("OpenLog err = %v, want ErrNotFound", err)
	}
}

func TestUniqueIDMonotone(t *testing.T) {
	ctx := context.Background()
	b := New()
	hoid, _, err := b.CreateLog(ctx, "ids", []byte("v1"))
	if err != nil {
		t.Fatalf("CreateLog: %v", err)
	}

	var got []uint64
	for i := 0; i < 3; i++ {
		id, err := b.UniqueID(ctx, hoid)
		if err != nil {
			t.Fatalf("UniqueID: %v", err)
		}
		got = append(got, id)
	}
	want := []uint64{0, 1, 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("UniqueID sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestProposeViewRejectsNonconsecutiveEpoch(t *testing.T) {
	ctx := context.Background()
	b := New()
	hoid, _, err := b.CreateLog(ctx, "views", []byte("v1"))
	if err != nil {
		t.Fatalf("CreateLog: %v", err)
	}

	if err := b.ProposeView(ctx, hoid, 3, []byte("v3")); !errors.Is(err, status.ErrStaleEpoch) {
		t.Fatalf("ProposeView(3) err = %v, want ErrStaleEpoch", err)
	}
	if err := b.ProposeView(ctx, hoid, 2, []byte("v2")); err != nil {
		t.Fatalf("ProposeView(2): %v", err)
	}
	// Epoch 2 already claimed; retrying it is now stale too.
	if err := b.ProposeView(ctx, hoid, 2, []byte("v2-again")); !errors.Is(err, status.ErrStaleEpoch) {
		t.Fatalf("ProposeView(2) replay err = %v, want ErrStaleEpoch", err)
	}
}

func TestReadViewsReturnsConsecutiveRange(t *testing.T) {
	ctx := context.Background()
	b := New()
	hoid, _, err := b.CreateLog(ctx, "range", []byte("v1"))
	if err != nil {
		t.Fatalf("CreateLog: %v", err)
	}
	for e := uint64(2); e <= 4; e++ {
		if err := b.ProposeView(ctx, hoid, e, []byte{byte(e)}); err != nil {
			t.Fatalf("ProposeView(%d): %v", e, err)
		}
	}

	views, err := b.ReadViews(ctx, hoid, 2, 10)
	if err != nil {
		t.Fatalf("ReadViews: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("ReadViews returned %d views, want 3", len(views))
	}

	views, err = b.ReadViews(ctx, hoid, 100, 10)
	if err != nil {
		t.Fatalf("ReadViews(startEpoch past max): %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("ReadViews(startEpoch past max) returned %d views, want 0", len(views))
	}
}

func TestStripeObjectLifecycle(t *testing.T) {
	ctx := context.Background()
	b := New()
	const oid = "stripe.0"

	if err := b.Seal(ctx, oid, 1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := b.Write(ctx, oid, 1, 5, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Write(ctx, oid, 1, 5, []byte("again")); !errors.Is(err, status.ErrReadOnly) {
		t.Fatalf("Write replay err = %v, want ErrReadOnly", err)
	}

	got, err := b.Read(ctx, oid, 1, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q, want %q", got, "hello")
	}

	if _, err := b.Read(ctx, oid, 1, 6); !errors.Is(err, status.ErrNotWritten) {
		t.Fatalf("Read(unwritten) err = %v, want ErrNotWritten", err)
	}

	if err := b.Fill(ctx, oid, 1, 6); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if _, err := b.Read(ctx, oid, 1, 6); !errors.Is(err, status.ErrInvalidated) {
		t.Fatalf("Read(filled) err = %v, want ErrInvalidated", err)
	}
	if err := b.Fill(ctx, oid, 1, 5); !errors.Is(err, status.ErrReadOnly) {
		t.Fatalf("Fill(written) err = %v, want ErrReadOnly", err)
	}

	if err := b.Trim(ctx, oid, 1, 5); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if _, err := b.Read(ctx, oid, 1, 5); !errors.Is(err, status.ErrInvalidated) {
		t.Fatalf("Read(trimmed) err = %v, want ErrInvalidated", err)
	}

	pos, empty, err := b.MaxPos(ctx, oid, 1)
	if err != nil {
		t.Fatalf("MaxPos: %v", err)
	}
	if empty || pos != 6 {
		t.Fatalf("MaxPos = (%d, %v), want (6, false)", pos, empty)
	}
}

func TestEpochGuardsRejectStaleWrites(t *testing.T) {
	ctx := context.Background()
	b := New()
	const oid = "stripe.1"

	if err := b.Seal(ctx, oid, 1); err != nil {
		t.Fatalf("Seal(1): %v", err)
	}
	if err := b.Seal(ctx, oid, 2); err != nil {
		t.Fatalf("Seal(2): %v", err)
	}
	if err := b.Seal(ctx, oid, 2); !errors.Is(err, status.ErrStaleEpoch) {
		t.Fatalf("Seal(2) replay err = %v, want ErrStaleEpoch", err)
	}
	if err := b.Write(ctx, oid, 1, 0, []byte("x")); !errors.Is(err, status.ErrStaleEpoch) {
		t.Fatalf("Write under stale epoch err = %v, want ErrStaleEpoch", err)
	}
}

func TestUnsealedObjectReadsNotFound(t *testing.T) {
	ctx := context.Background()
	b := New()

	if _, err := b.Read(ctx, "ghost", 1, 0); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("Read(unsealed) err = %v, want ErrNotFound", err)
	}
	if _, _, err := b.MaxPos(ctx, "ghost", 1); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("MaxPos(unsealed) err = %v, want ErrNotFound", err)
	}
}
