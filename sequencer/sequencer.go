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

// Package sequencer declares the contract for the client nominated, per
// view, to mint append positions (spec.md §4.4). sequencer/local,
// sequencer/mysql, and sequencer/spanner provide co-located and durable
// remote implementations sharing this interface.
package sequencer

import "context"

// Sequencer advertises the epoch of the view that nominated it, and hands
// out monotone log positions for that epoch.
type Sequencer interface {
	// Epoch returns the view epoch this sequencer was nominated under.
	Epoch() uint64

	// CheckTail returns the next unclaimed position. When increment is
	// true, the internal counter is durably advanced so the returned
	// position is claimed by the caller and will never be returned again;
	// when false, it is a read-only query of the current tail (spec.md
	// §4.4 check_tail).
	CheckTail(ctx context.Context, increment bool) (uint64, error)
}

// Scheme names the sequencer implementation a view.Sequencer descriptor
// selects.
const (
	SchemeLocal   = "local"
	SchemeMySQL   = "mysql"
	SchemeSpanner = "spanner"
)
