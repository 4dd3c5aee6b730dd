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

package posixstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stripelog/stripelog/status"
)

func TestCreateLogThenOpenLog(t *testing.T) {
	ctx := context.Background()
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

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
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, _, err := b.CreateLog(ctx, "mylog", []byte("view-1")); err != nil {
		t.Fatalf("CreateLog: %v", err)
	}
	if _, _, err := b.CreateLog(ctx, "mylog", []byte("view-1")); !errors.Is(err, status.ErrExists) {
		t.Fatalf("second CreateLog err = %v, want ErrExists", err)
	}
}

func TestOpenMissingLog(t *testing.T) {
	ctx := context.Background()
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := b.OpenLog(ctx, "nope"); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("OpenLog err = %v, want ErrNotFound", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const oid = "stripe.0"
	if err := b.Seal(ctx, oid, 1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := b.Write(ctx, oid, 1, 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := b.Read(ctx, oid, 1, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q, want %q", got, "hello")
	}

	if err := b.Write(ctx, oid, 1, 0, []byte("again")); !errors.Is(err, status.ErrReadOnly) {
		t.Fatalf("second Write err = %v, want ErrReadOnly", err)
	}

	if err := b.Trim(ctx, oid, 1, 0); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if _, err := b.Read(ctx, oid, 1, 0); !errors.Is(err, status.ErrInvalidated) {
		t.Fatalf("Read after trim err = %v, want ErrInvalidated", err)
	}
}

func TestUniqueIDMonotone(t *testing.T) {
	ctx := context.Background()
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hoid, _, err := b.CreateLog(ctx, "mylog", []byte("view-1"))
	if err != nil {
		t.Fatalf("CreateLog: %v", err)
	}
	seen := map[uint64]bool{}
	for i := 0; i < 5; i++ {
		id, err := b.UniqueID(ctx, hoid)
		if err != nil {
			t.Fatalf("UniqueID: %v", err)
		}
		if seen[id] {
			t.Fatalf("UniqueID returned duplicate value %d", id)
		}
		seen[id] = true
	}
}

func TestProposeViewMonotonicity(t *testing.T) {
	ctx := context.Background()
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hoid, _, err := b.CreateLog(ctx, "mylog", []byte("view-1"))
	if err != nil {
		t.Fatalf("CreateLog: %v", err)
	}

	if err := b.ProposeView(ctx, hoid, 3, []byte("view-3")); !errors.Is(err, status.ErrStaleEpoch) {
		t.Fatalf("ProposeView(3) err = %v, want ErrStaleEpoch", err)
	}
	if err := b.ProposeView(ctx, hoid, 2, []byte("view-2")); err != nil {
		t.Fatalf("ProposeView(2): %v", err)
	}

	views, err := b.ReadViews(ctx, hoid, 1, 10)
	if err != nil {
		t.Fatalf("ReadViews: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("ReadViews returned %d views, want 2", len(views))
	}
}
