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

package stripelog

import (
	"context"
	"errors"
	"testing"

	"github.com/stripelog/stripelog/backend/memory"
	"github.com/stripelog/stripelog/status"
)

func TestCreateOrOpenThenAppendReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	be := memory.New()

	l, err := CreateOrOpen(ctx, be, "L")
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	defer l.Close()

	pos, err := l.Append(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if pos != 0 {
		t.Fatalf("Append position = %d, want 0", pos)
	}

	got, err := l.Read(ctx, pos)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q, want %q", got, "hello")
	}

	p, empty, err := l.CheckTail(ctx, false)
	if err != nil {
		t.Fatalf("CheckTail: %v", err)
	}
	if empty || p != 1 {
		t.Fatalf("CheckTail = (%d, %v), want (1, false)", p, empty)
	}
}

func TestCreateOrOpenReopensExistingLog(t *testing.T) {
	ctx := context.Background()
	be := memory.New()

	l1, err := CreateOrOpen(ctx, be, "L")
	if err != nil {
		t.Fatalf("CreateOrOpen (first): %v", err)
	}
	pos, err := l1.Append(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	l1.Close()

	l2, err := CreateOrOpen(ctx, be, "L")
	if err != nil {
		t.Fatalf("CreateOrOpen (second): %v", err)
	}
	defer l2.Close()

	got, err := l2.Read(ctx, pos)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if string(got) != "x" {
		t.Fatalf("Read after reopen = %q, want %q", got, "x")
	}
}

func TestTrimHidesWriteForever(t *testing.T) {
	ctx := context.Background()
	be := memory.New()
	l, err := CreateOrOpen(ctx, be, "L")
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	defer l.Close()

	pos, err := l.Append(ctx, []byte("x"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Trim(ctx, pos); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if _, err := l.Read(ctx, pos); !errors.Is(err, status.ErrInvalidated) {
		t.Fatalf("Read(trimmed) err = %v, want ErrInvalidated", err)
	}
	if _, err := l.Read(ctx, pos); !errors.Is(err, status.ErrInvalidated) {
		t.Fatalf("Read(trimmed) again err = %v, want ErrInvalidated", err)
	}
	if err := l.Trim(ctx, pos); err != nil {
		t.Fatalf("Trim (idempotent): %v", err)
	}
}

func TestFillBeforeAppendForcesNewPosition(t *testing.T) {
	ctx := context.Background()
	be := memory.New()
	l, err := CreateOrOpen(ctx, be, "L")
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	defer l.Close()

	if err := l.Fill(ctx, 0); err != nil {
		t.Fatalf("Fill(0): %v", err)
	}

	pos, err := l.Append(ctx, []byte("data"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if pos == 0 {
		t.Fatalf("Append landed on the filled position 0")
	}

	got, err := l.Read(ctx, pos)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "data" {
		t.Fatalf("Read = %q, want %q", got, "data")
	}
}

func TestAppendAsyncInvokesCallbackExactlyOnce(t *testing.T) {
	ctx := context.Background()
	be := memory.New()
	l, err := CreateOrOpen(ctx, be, "L")
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	defer l.Close()

	done := make(chan struct{})
	var calls int
	l.AppendAsync([]byte("x"), func(pos uint64, err error) {
		calls++
		if err != nil {
			t.Errorf("AppendAsync: %v", err)
		}
		close(done)
	})
	<-done
	if calls != 1 {
		t.Fatalf("AppendAsync callback invoked %d times, want 1", calls)
	}
}

func TestCreateOrOpenRejectsNonPositiveOptions(t *testing.T) {
	ctx := context.Background()
	be := memory.New()

	if _, err := CreateOrOpen(ctx, be, "L", WithFinisherThreads(0)); !errors.Is(err, status.ErrInvalidArg) {
		t.Fatalf("CreateOrOpen(FinisherThreads=0) err = %v, want ErrInvalidArg", err)
	}
	if _, err := CreateOrOpen(ctx, be, "L", WithMaxInflightOps(-1)); !errors.Is(err, status.ErrInvalidArg) {
		t.Fatalf("CreateOrOpen(MaxInflightOps=-1) err = %v, want ErrInvalidArg", err)
	}
}

func TestCloseDeliversShutdownToLateOps(t *testing.T) {
	ctx := context.Background()
	be := memory.New()
	l, err := CreateOrOpen(ctx, be, "L")
	if err != nil {
		t.Fatalf("CreateOrOpen: %v", err)
	}
	l.Close()

	if _, err := l.Append(ctx, []byte("late")); !errors.Is(err, status.ErrShutdown) {
		t.Fatalf("Append after Close err = %v, want ErrShutdown", err)
	}
}
