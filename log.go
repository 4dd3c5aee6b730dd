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

// Package stripelog is a distributed, strongly-consistent shared log
// sharded across stripe objects hosted by an external object store.
//
// A Log is created or opened with CreateOrOpen against a backend.Backend,
// then driven through Append/Read/Fill/Trim/CheckTail (and their
// *Async counterparts). Internally a Log owns a striper.Striper (the
// cached view chain and position→stripe-object mapping) and a
// pipeline.Pipeline (the bounded worker pool executing the retry-loop
// algorithms against the backend).
package stripelog

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripelog/stripelog/backend"
	"github.com/stripelog/stripelog/pipeline"
	"github.com/stripelog/stripelog/status"
	"github.com/stripelog/stripelog/striper"
	"github.com/stripelog/stripelog/view"
)

// Log is a single open handle onto a named shared log.
type Log struct {
	name    string
	headOID string
	be      backend.Backend
	mgr     *view.Manager
	strp    *striper.Striper
	pipe    *pipeline.Pipeline
}

// CreateOrOpen opens the named log against be, creating it with a single
// default stripe if it does not already exist (spec.md §6 create_or_open).
func CreateOrOpen(ctx context.Context, be backend.Backend, name string, opts ...Option) (*Log, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.FinisherThreads <= 0 || o.MaxInflightOps <= 0 {
		return nil, status.ErrInvalidArg
	}

	headOID, prefix, err := be.OpenLog(ctx, name)
	if err != nil {
		if !errors.Is(err, status.ErrNotFound) {
			return nil, err
		}
		first := view.View{
			Prefix:  name,
			Stripes: []view.Stripe{{StartPosition: 0, EndPosition: 64, Width: 8}},
		}
		payload, encErr := view.Encode(first)
		if encErr != nil {
			return nil, encErr
		}
		headOID, prefix, err = be.CreateLog(ctx, name, payload)
		if err != nil {
			return nil, err
		}
	}

	mgr := view.NewManager(be, headOID)
	views, err := mgr.ReadFrom(ctx, 1, 1)
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, status.IoError(fmt.Errorf("log %q has no epoch-1 view", name))
	}
	first := views[0]
	first.Prefix = prefix

	strp := striper.New(mgr, o.SequencerFactory, o.LocalID, first)
	// Catch the striper's cache up to whatever the head object has beyond
	// epoch 1, in case this log was last written by a different process.
	if err := strp.UpdateCurrentView(ctx, first.Epoch); err != nil {
		return nil, err
	}

	pipe := pipeline.New(be, strp, o.FinisherThreads, o.MaxInflightOps)

	return &Log{name: name, headOID: headOID, be: be, mgr: mgr, strp: strp, pipe: pipe}, nil
}

// Append durably appends data and returns the position assigned to it
// (spec.md §6 append).
func (l *Log) Append(ctx context.Context, data []byte) (uint64, error) {
	return syncResult(func(done func(pipeline.Result)) { l.pipe.AppendAsync(data, done) }).position(ctx)
}

// AppendAsync enqueues an append of data, invoking done with the assigned
// position once complete (spec.md §6 append_async).
func (l *Log) AppendAsync(data []byte, done func(position uint64, err error)) {
	l.pipe.AppendAsync(data, func(r pipeline.Result) { done(r.Position, r.Err) })
}

// Read returns the data written at position, or one of status.ErrNotWritten,
// status.ErrInvalidated, status.ErrNotFound (spec.md §6 read).
func (l *Log) Read(ctx context.Context, position uint64) ([]byte, error) {
	return syncResult(func(done func(pipeline.Result)) { l.pipe.ReadAsync(position, done) }).data(ctx)
}

// ReadAsync enqueues a read of position.
func (l *Log) ReadAsync(position uint64, done func(data []byte, err error)) {
	l.pipe.ReadAsync(position, func(r pipeline.Result) { done(r.Data, r.Err) })
}

// Fill invalidates position so no future Append can claim it (spec.md §6
// fill).
func (l *Log) Fill(ctx context.Context, position uint64) error {
	return syncResult(func(done func(pipeline.Result)) { l.pipe.FillAsync(position, done) }).err(ctx)
}

// FillAsync enqueues a fill of position.
func (l *Log) FillAsync(position uint64, done func(err error)) {
	l.pipe.FillAsync(position, func(r pipeline.Result) { done(r.Err) })
}

// Trim garbage-collects position regardless of its prior state (spec.md §6
// trim).
func (l *Log) Trim(ctx context.Context, position uint64) error {
	return syncResult(func(done func(pipeline.Result)) { l.pipe.TrimAsync(position, done) }).err(ctx)
}

// TrimAsync enqueues a trim of position.
func (l *Log) TrimAsync(position uint64, done func(err error)) {
	l.pipe.TrimAsync(position, func(r pipeline.Result) { done(r.Err) })
}

// CheckTail returns the current tail position. When increment is true it
// durably claims and returns a fresh position from the sequencer without
// writing any data to it (spec.md §4.4, §6 check_tail).
func (l *Log) CheckTail(ctx context.Context, increment bool) (uint64, bool, error) {
	r := <-resultChan(func(done func(pipeline.Result)) { l.pipe.TailAsync(increment, done) })
	return r.Position, r.Empty, r.Err
}

// CheckTailAsync enqueues a check_tail query.
func (l *Log) CheckTailAsync(increment bool, done func(position uint64, empty bool, err error)) {
	l.pipe.TailAsync(increment, func(r pipeline.Result) { done(r.Position, r.Empty, r.Err) })
}

// Close shuts down this log's pipeline, delivering status.ErrShutdown to
// any operation still pending (spec.md §4.5 Cancellation and shutdown).
func (l *Log) Close() {
	l.pipe.Close()
}

type resultAwaiter chan pipeline.Result

func syncResult(enqueue func(done func(pipeline.Result))) resultAwaiter {
	return resultAwaiter(resultChan(enqueue))
}

func resultChan(enqueue func(done func(pipeline.Result))) chan pipeline.Result {
	ch := make(chan pipeline.Result, 1)
	enqueue(func(r pipeline.Result) { ch <- r })
	return ch
}

func (a resultAwaiter) position(ctx context.Context) (uint64, error) {
	select {
	case r := <-a:
		return r.Position, r.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (a resultAwaiter) data(ctx context.Context) ([]byte, error) {
	select {
	case r := <-a:
		return r.Data, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a resultAwaiter) err(ctx context.Context) error {
	select {
	case r := <-a:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
