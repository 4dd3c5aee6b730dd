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

// Package memory provides an in-process Backend implementation, primarily
// useful for tests and single-binary deployments. It is grounded on
// _examples/original_source/src/storage/ram/ram.cc, translated from a single
// global mutex over a std::map into a Go map guarded by a sync.Mutex.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stripelog/stripelog/internal/osm"
	"github.com/stripelog/stripelog/status"
)

// headObject is the in-memory representation of a log's head object: its
// stripe-object name prefix, the ordered view chain, and a unique-id
// counter.
type headObject struct {
	prefix     string
	views      map[uint64][]byte
	maxEpoch   uint64
	uniqueNext uint64
}

// Backend is an in-memory implementation of backend.Backend.
type Backend struct {
	mu        sync.Mutex
	links     map[string]string // log name -> head oid
	heads     map[string]*headObject
	objects   map[string]*osm.Object
	uniqueSeq atomic.Uint64
}

// New returns an empty in-memory Backend.
func New() *Backend {
	return &Backend{
		links:   map[string]string{},
		heads:   map[string]*headObject{},
		objects: map[string]*osm.Object{},
	}
}

func (b *Backend) Meta() map[string]string {
	return map[string]string{"scheme": "memory"}
}

func (b *Backend) CreateLog(_ context.Context, name string, firstViewPayload []byte) (string, string, error) {
	if name == "" {
		return "", "", status.ErrInvalidArg
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.links[name]; ok {
		return "", "", status.ErrExists
	}

	hoid := fmt.Sprintf("head.%d", b.uniqueSeq.Add(1))
	prefix := name
	b.links[name] = hoid
	b.heads[hoid] = &headObject{
		prefix:   prefix,
		views:    map[uint64][]byte{1: append([]byte(nil), firstViewPayload...)},
		maxEpoch: 1,
	}
	return hoid, prefix, nil
}

func (b *Backend) OpenLog(_ context.Context, name string) (string, string, error) {
	if name == "" {
		return "", "", status.ErrInvalidArg
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	hoid, ok := b.links[name]
	if !ok {
		return "", "", status.ErrNotFound
	}
	h, ok := b.heads[hoid]
	if !ok {
		return "", "", status.ErrNotFound
	}
	return hoid, h.prefix, nil
}

func (b *Backend) UniqueID(_ context.Context, headOID string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.heads[headOID]
	if !ok {
		return 0, status.ErrNotFound
	}
	id := h.uniqueNext
	h.uniqueNext++
	return id, nil
}

func (b *Backend) ReadViews(_ context.Context, headOID string, startEpoch uint64, max int) (map[uint64][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.heads[headOID]
	if !ok {
		return nil, status.ErrNotFound
	}
	out := map[uint64][]byte{}
	if startEpoch > h.maxEpoch {
		return out, nil
	}
	for e := startEpoch; e <= h.maxEpoch && len(out) < max; e++ {
		v, ok := h.views[e]
		if !ok {
			// Invariant: the epoch set is gapless; this would indicate
			// internal corruption.
			return nil, status.IoError(fmt.Errorf("missing view at epoch %d", e))
		}
		out[e] = v
	}
	return out, nil
}

func (b *Backend) ProposeView(_ context.Context, headOID string, epoch uint64, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.heads[headOID]
	if !ok {
		return status.ErrNotFound
	}
	if epoch != h.maxEpoch+1 {
		return status.ErrStaleEpoch
	}
	h.views[epoch] = append([]byte(nil), payload...)
	h.maxEpoch = epoch
	return nil
}

func (b *Backend) object(oid string, create bool) *osm.Object {
	o, ok := b.objects[oid]
	if !ok {
		if !create {
			return nil
		}
		o = osm.NewObject()
		b.objects[oid] = o
	}
	return o
}

func (b *Backend) Read(_ context.Context, oid string, epoch, position uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.object(oid, false)
	if o == nil {
		return nil, status.ErrNotFound
	}
	return o.Read(epoch, position)
}

func (b *Backend) Write(_ context.Context, oid string, epoch, position uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.object(oid, false)
	if o == nil {
		return status.ErrNotFound
	}
	return o.Write(epoch, position, data)
}

func (b *Backend) Fill(_ context.Context, oid string, epoch, position uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.object(oid, false)
	if o == nil {
		return status.ErrNotFound
	}
	return o.Fill(epoch, position)
}

func (b *Backend) Trim(_ context.Context, oid string, epoch, position uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.object(oid, false)
	if o == nil {
		return status.ErrNotFound
	}
	return o.Trim(epoch, position)
}

func (b *Backend) Seal(_ context.Context, oid string, epoch uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.object(oid, true)
	return o.Seal(epoch)
}

func (b *Backend) MaxPos(_ context.Context, oid string, epoch uint64) (uint64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.object(oid, false)
	if o == nil {
		return 0, false, status.ErrNotFound
	}
	return o.MaxPos(epoch)
}

// Objects returns a snapshot of the object IDs currently tracked by this
// backend, for use by internal/fsck and tests. The returned slice is not
// kept in sync with subsequent writes.
func (b *Backend) Objects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.objects))
	for k := range b.objects {
		out = append(out, k)
	}
	return out
}
