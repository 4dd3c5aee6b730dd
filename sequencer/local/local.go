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

// Package local implements a sequencer co-located with its client: an
// in-memory atomic counter with no durability across process restarts.
// Grounded on _examples/original_source/src/libzlog/log_impl.cc's use of
// a sequencer whose check_tail is a plain counter increment when the
// client itself holds the nomination.
package local

import (
	"context"
	"sync/atomic"

	"github.com/stripelog/stripelog/sequencer"
)

// Sequencer is an in-process, non-durable sequencer.Sequencer.
type Sequencer struct {
	epoch   uint64
	counter atomic.Uint64
}

var _ sequencer.Sequencer = (*Sequencer)(nil)

// New returns a Sequencer nominated under epoch, with its first issuable
// position equal to start (normally 0, or the prior sequencer's last known
// tail when taking over after a reconfiguration).
func New(epoch, start uint64) *Sequencer {
	s := &Sequencer{epoch: epoch}
	s.counter.Store(start)
	return s
}

func (s *Sequencer) Epoch() uint64 { return s.epoch }

func (s *Sequencer) CheckTail(_ context.Context, increment bool) (uint64, error) {
	if !increment {
		return s.counter.Load(), nil
	}
	return s.counter.Add(1) - 1, nil
}
