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

// Package fsck offline-checks a log's stripe objects: it reports any stripe
// object whose max-touched position has escaped the range its view assigned
// it. Sealed epochs are not compared across the view chain. It supplements spec.md §4.1 with the kind of
// consistency scan an operator runs after a suspected partial failure,
// grounded on the concurrent resource-check workers in the teacher's
// internal/fsck/fsck.go (an errgroup of workers draining a channel of
// checks), adapted from tile-hash comparison to stripe-object bounds
// checking.
package fsck

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/stripelog/stripelog/backend"
	"github.com/stripelog/stripelog/view"
)

// Violation describes one inconsistency found in a stripe object.
type Violation struct {
	OID    string
	Epoch  uint64
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s@epoch=%d: %s", v.OID, v.Epoch, v.Detail)
}

// job is one stripe object to check, at the epoch of the view that mapped
// it last, together with the position range that view's stripe assigned to
// it.
type job struct {
	oid          string
	epoch        uint64
	startPos     uint64
	endExclusive uint64
}

// Check scans every stripe object reachable from the view chain of the log
// whose head object is headOID, using up to workers concurrent readers.
// It returns every Violation found; a nil/empty result means the log is
// internally consistent as far as this offline check can tell.
func Check(ctx context.Context, be backend.Backend, headOID string, workers int) ([]Violation, error) {
	if workers < 1 {
		workers = 1
	}
	mgr := view.NewManager(be, headOID)
	views, err := mgr.ReadFrom(ctx, 1, 1<<20)
	if err != nil {
		return nil, fmt.Errorf("reading view chain: %w", err)
	}
	if len(views) == 0 {
		return nil, fmt.Errorf("log has no views")
	}

	jobs := make(chan job, workers)
	violations := make(chan Violation, workers)

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		eg.Go(checkWorker(egCtx, be, jobs, violations))
	}

	go func() {
		defer close(jobs)
		// Later views' stripes supersede earlier ones at overlapping
		// ranges only by extension (spec.md §4.3 try_expand_view never
		// shrinks a mapping), so the latest view's stripe set names every
		// stripe object. Each is queried at the latest epoch only: MaxPos
		// requires an exact sealed-epoch match, so an object sealed at any
		// other epoch fails MaxPos and is skipped by checkWorker.
		latest := views[len(views)-1]
		for _, s := range latest.Stripes {
			for shard := s.FirstShard; shard < s.FirstShard+s.Width; shard++ {
				j := job{
					oid:          fmt.Sprintf("%s.%d", latest.Prefix, shard),
					epoch:        latest.Epoch,
					startPos:     s.StartPosition,
					endExclusive: s.EndPosition,
				}
				select {
				case jobs <- j:
				case <-egCtx.Done():
					return
				}
			}
		}
	}()

	var collected []Violation
	done := make(chan struct{})
	go func() {
		for v := range violations {
			collected = append(collected, v)
		}
		close(done)
	}()

	err = eg.Wait()
	close(violations)
	<-done
	if err != nil {
		return collected, err
	}
	klog.V(1).Infof("fsck: checked log %q, %d violations found", headOID, len(collected))
	return collected, nil
}

func checkWorker(ctx context.Context, be backend.Backend, jobs <-chan job, out chan<- Violation) func() error {
	return func() error {
		for j := range jobs {
			pos, empty, err := be.MaxPos(ctx, j.oid, j.epoch)
			if err != nil {
				// A stripe object that was never sealed is not a violation:
				// try_expand_view only reserves a range, it does not force
				// every shard to be sealed. Objects sealed at an epoch other
				// than j.epoch also land here and are not checked.
				continue
			}
			if !empty && (pos < j.startPos || pos >= j.endExclusive) {
				out <- Violation{
					OID:    j.oid,
					Epoch:  j.epoch,
					Detail: fmt.Sprintf("max position %d outside mapped range [%d, %d)", pos, j.startPos, j.endExclusive),
				}
			}
			klog.V(2).Infof("fsck: %s max position %d empty=%v", j.oid, pos, empty)
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		return nil
	}
}
