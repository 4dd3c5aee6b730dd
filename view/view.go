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

// Package view defines the projection payload stored in each epoch of a
// log's head object (spec.md §3 "View (Projection)", §4.2), and a Manager
// that reads and proposes new views against a backend.Backend.
//
// A view's payload is opaque as far as the backend is concerned: the
// backend stores and returns raw bytes keyed by epoch. This package owns
// the encode/decode of that payload into the stripe mapping and sequencer
// descriptor the striper and pipeline actually consume.
package view

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/stripelog/stripelog/backend"
	"github.com/stripelog/stripelog/status"
)

// Stripe maps a contiguous, half-open range of log positions
// [StartPosition, EndPosition) onto a round-robin band of Width stripe
// object names, each named "<prefix>.<shard>".
type Stripe struct {
	StartPosition uint64 `json:"start_position"`
	EndPosition   uint64 `json:"end_position"`
	Width         uint32 `json:"width"`
	FirstShard    uint32 `json:"first_shard"`
}

// contains reports whether pos falls within [s.StartPosition, s.EndPosition).
func (s Stripe) contains(pos uint64) bool {
	return pos >= s.StartPosition && pos < s.EndPosition
}

// shard returns the round-robin shard index owning pos within this stripe.
// Only valid when s.contains(pos).
func (s Stripe) shard(pos uint64) uint32 {
	offset := pos - s.StartPosition
	return s.FirstShard + uint32(offset%uint64(s.Width))
}

// Sequencer identifies the client nominated to mint positions under a view,
// and the means of reaching it (spec.md §4.4). Scheme is either "local"
// (co-located in-process counter, not reachable by other clients) or a
// remote scheme name ("mysql", "spanner") with a DSN-like Addr.
type Sequencer struct {
	Scheme string `json:"scheme"`
	Addr   string `json:"addr,omitempty"`
}

// View is the decoded form of one epoch's projection payload.
type View struct {
	Epoch     uint64    `json:"-"`
	Prefix    string    `json:"prefix"`
	Stripes   []Stripe  `json:"stripes"`
	Sequencer Sequencer `json:"sequencer"`
}

// Map returns the stripe object id owning position under v, or
// status.ErrUnmapped if no stripe in v covers it.
func (v View) Map(position uint64) (string, error) {
	for _, s := range v.Stripes {
		if s.contains(position) {
			return fmt.Sprintf("%s.%d", v.Prefix, s.shard(position)), nil
		}
	}
	return "", status.ErrUnmapped
}

// UpperBound returns the exclusive upper end of every stripe's range, i.e.
// the smallest position this view does not map.
func (v View) UpperBound() uint64 {
	var max uint64
	for _, s := range v.Stripes {
		if s.EndPosition > max {
			max = s.EndPosition
		}
	}
	return max
}

// Encode serializes v to the opaque payload stored by the backend.
func Encode(v View) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.IoError(err)
	}
	return b, nil
}

// Decode parses a stored payload into a View at the given epoch.
func Decode(epoch uint64, payload []byte) (View, error) {
	var v View
	if err := json.Unmarshal(payload, &v); err != nil {
		return View{}, status.IoError(err)
	}
	v.Epoch = epoch
	return v, nil
}

// Manager wraps a backend.Backend's view-chain operations (head object
// ReadViews/ProposeView/UniqueID, spec.md §4.2) for a single log.
type Manager struct {
	be      backend.Backend
	headOID string
}

// NewManager returns a Manager for the log whose head object is headOID.
func NewManager(be backend.Backend, headOID string) *Manager {
	return &Manager{be: be, headOID: headOID}
}

// ReadFrom returns up to max consecutive decoded views starting at
// startEpoch, ordered by ascending epoch.
func (m *Manager) ReadFrom(ctx context.Context, startEpoch uint64, max int) ([]View, error) {
	raw, err := m.be.ReadViews(ctx, m.headOID, startEpoch, max)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(raw))
	for e, payload := range raw {
		v, err := Decode(e, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	// raw is a map; ReadViews guarantees no gaps over [startEpoch, startEpoch+len).
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, nil
}

// Propose publishes v at epoch, the linearization point of reconfiguration
// (spec.md §3 View monotonicity). Returns status.ErrStaleEpoch if epoch is
// not exactly one past the stored maximum.
func (m *Manager) Propose(ctx context.Context, epoch uint64, v View) error {
	payload, err := Encode(v)
	if err != nil {
		return err
	}
	return m.be.ProposeView(ctx, m.headOID, epoch, payload)
}

// UniqueID mints a fresh, durably-incrementing counter value scoped to this
// log's head object (spec.md §4.2 UniqueId()). View extension does not use
// it: new stripes are named by shard index.
func (m *Manager) UniqueID(ctx context.Context) (uint64, error) {
	return m.be.UniqueID(ctx, m.headOID)
}

