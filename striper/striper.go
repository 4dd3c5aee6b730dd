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

// Package striper caches a log's view chain and maps log positions to
// stripe object names under the current view (spec.md §4.3). It mirrors
// the Striper class driving _examples/original_source/src/libzlog/log_impl.cc's
// retry loops: every operation loop calls view(), then map(), and on a miss
// calls try_expand_view or update_current_view before retrying.
package striper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/stripelog/stripelog/sequencer"
	"github.com/stripelog/stripelog/status"
	"github.com/stripelog/stripelog/view"
)

// SequencerFactory constructs (or resumes) a sequencer.Sequencer for a
// view.Sequencer descriptor nominated at the given epoch. The root package
// supplies this, since only it knows how to dial mysql/spanner DSNs.
type SequencerFactory func(ctx context.Context, epoch uint64, desc view.Sequencer) (sequencer.Sequencer, error)

// defaultStripeWidth is the number of stripe objects a freshly synthesized
// stripe round-robins across.
const defaultStripeWidth = 8

// Current is a cached view together with its (possibly absent) resolved
// sequencer handle.
type Current struct {
	View view.View
	Seq  sequencer.Sequencer // nil if the view has no nominated sequencer
}

// Striper caches a log's view chain and resolves positions to stripe
// object names.
type Striper struct {
	mgr     *view.Manager
	mkSeq   SequencerFactory
	localID string

	mu      sync.Mutex
	current Current
	// fetching is non-nil while a refresh is already in flight; other
	// callers wait on it instead of issuing a redundant ReadFrom (spec.md
	// §4.3 update_current_view: "only one fetch in flight at a time").
	fetching chan struct{}

	cache *lru.Cache[uint64, string] // position -> oid, invalidated on view change
}

// New returns a Striper seeded with the log's first view (epoch 1), which
// must already exist (created by CreateLog).
func New(mgr *view.Manager, mkSeq SequencerFactory, localID string, first view.View) *Striper {
	cache, _ := lru.New[uint64, string](4096)
	return &Striper{
		mgr:     mgr,
		mkSeq:   mkSeq,
		localID: localID,
		current: Current{View: first},
		cache:   cache,
	}
}

// View returns the current cached view and its resolved sequencer, if any.
func (s *Striper) View() Current {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Map returns the stripe object owning position under v, consulting (and
// populating) the position cache first.
func (s *Striper) Map(v view.View, position uint64) (string, error) {
	if oid, ok := s.cache.Get(position); ok {
		return oid, nil
	}
	oid, err := v.Map(position)
	if err != nil {
		return "", err
	}
	s.cache.Add(position, oid)
	return oid, nil
}

// UpdateCurrentView re-reads the head object starting from seenEpoch+1 and
// installs any newer views found. If a refresh triggered by a different
// caller is already in flight, this call waits for it instead of issuing a
// second read (spec.md §4.3).
func (s *Striper) UpdateCurrentView(ctx context.Context, seenEpoch uint64) error {
	s.mu.Lock()
	if s.current.View.Epoch > seenEpoch {
		// Someone already advanced past seenEpoch; nothing to do.
		s.mu.Unlock()
		return nil
	}
	if s.fetching != nil {
		ch := s.fetching
		s.mu.Unlock()
		<-ch
		return nil
	}
	ch := make(chan struct{})
	s.fetching = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.fetching = nil
		s.mu.Unlock()
		close(ch)
	}()

	views, err := s.mgr.ReadFrom(ctx, seenEpoch+1, 64)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	newest := views[len(views)-1]
	if newest.Epoch <= s.current.View.Epoch {
		return nil
	}
	seq, err := s.resolveSequencer(ctx, newest)
	if err != nil {
		return err
	}
	klog.V(2).Infof("striper: advancing cached view from epoch %d to %d", s.current.View.Epoch, newest.Epoch)
	s.current = Current{View: newest, Seq: seq}
	s.cache.Purge()
	return nil
}

func (s *Striper) resolveSequencer(ctx context.Context, v view.View) (sequencer.Sequencer, error) {
	if v.Sequencer.Scheme == "" {
		return nil, nil
	}
	return s.mkSeq(ctx, v.Epoch, v.Sequencer)
}

// TryExpandView synthesizes a new view whose mapping covers position and
// proposes it at current_epoch+1. On success the new view is installed; on
// status.ErrStaleEpoch a competing proposal won the race and this instead
// refreshes from the head object (spec.md §4.3 try_expand_view).
func (s *Striper) TryExpandView(ctx context.Context, position uint64) error {
	cur := s.View()

	next := cur.View
	next.Epoch = cur.View.Epoch + 1
	shard := nextShard(cur.View)
	next.Stripes = append(append([]view.Stripe{}, cur.View.Stripes...), view.Stripe{
		StartPosition: cur.View.UpperBound(),
		EndPosition:   position + 1,
		Width:         defaultStripeWidth,
		FirstShard:    shard,
	})

	err := s.mgr.Propose(ctx, next.Epoch, next)
	switch {
	case err == nil:
		s.mu.Lock()
		seq, serr := s.resolveSequencer(ctx, next)
		if serr != nil {
			s.mu.Unlock()
			return serr
		}
		s.current = Current{View: next, Seq: seq}
		s.cache.Purge()
		s.mu.Unlock()
		return nil
	case errors.Is(err, status.ErrStaleEpoch):
		return s.UpdateCurrentView(ctx, cur.View.Epoch)
	default:
		return err
	}
}

// ProposeSequencer publishes a new view nominating this client (identified
// by localID) as sequencer, used when View().Seq is nil (spec.md §4.3
// propose_sequencer). Conflicts are resolved by epoch monotonicity at the
// head object: on a losing race this refreshes instead of erroring.
func (s *Striper) ProposeSequencer(ctx context.Context) error {
	cur := s.View()
	if cur.Seq != nil {
		return nil
	}

	next := cur.View
	next.Epoch = cur.View.Epoch + 1
	next.Sequencer = view.Sequencer{Scheme: sequencer.SchemeLocal, Addr: s.localID}

	err := s.mgr.Propose(ctx, next.Epoch, next)
	switch {
	case err == nil:
		s.mu.Lock()
		seq, serr := s.resolveSequencer(ctx, next)
		if serr != nil {
			s.mu.Unlock()
			return serr
		}
		s.current = Current{View: next, Seq: seq}
		s.mu.Unlock()
		return nil
	case errors.Is(err, status.ErrStaleEpoch):
		return s.UpdateCurrentView(ctx, cur.View.Epoch)
	default:
		return err
	}
}

func nextShard(v view.View) uint32 {
	var max uint32
	for _, s := range v.Stripes {
		if end := s.FirstShard + s.Width; end > max {
			max = end
		}
	}
	return max
}

// String is used in diagnostics (klog lines, fsck reports).
func (c Current) String() string {
	return fmt.Sprintf("epoch=%d stripes=%d", c.View.Epoch, len(c.View.Stripes))
}
