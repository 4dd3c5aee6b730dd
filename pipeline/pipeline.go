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

// Package pipeline implements the bounded, asynchronous operation queue
// described in spec.md §4.5: a fixed-size pool of worker goroutines drains a
// FIFO of pending append/read/fill/trim/tail operations, each a retry loop
// reacting to the status codes surfaced by the backend through the striper.
//
// This is a direct translation of the queue_op/finisher_entry_ design and
// the per-op run() retry loops in
// _examples/original_source/src/libzlog/log_impl.cc, replacing
// condition-variable-guarded counters with buffered Go channels.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"k8s.io/klog/v2"

	"github.com/stripelog/stripelog/backend"
	"github.com/stripelog/stripelog/status"
	"github.com/stripelog/stripelog/striper"
)

// Result is delivered to an operation's completion callback.
type Result struct {
	Position uint64 // valid for Append and Tail
	Data     []byte // valid for Read
	MaxPos   uint64 // valid for Tail
	Empty    bool   // valid for Tail
	Err      error
}

type opKind int

const (
	kindAppend opKind = iota
	kindRead
	kindFill
	kindTrim
	kindTail
)

type op struct {
	kind      opKind
	position  uint64
	data      []byte
	increment bool // kindTail only
	done      func(Result)
}

// Pipeline is a bounded FIFO of pending operations drained by
// finisherThreads worker goroutines, admission-gated at maxInflight
// (spec.md §4.5, §5).
type Pipeline struct {
	be     backend.Backend
	strp   *striper.Striper
	queue  chan *op
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight int
	maxIn    int
	waiters  []chan struct{}
	isClosed bool
}

// New starts a Pipeline with finisherThreads workers and an admission
// ceiling of maxInflight pending-or-running operations. Call Close to stop
// accepting work and drain pending ops with status.ErrShutdown.
func New(be backend.Backend, strp *striper.Striper, finisherThreads, maxInflight int) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		be:     be,
		strp:   strp,
		queue:  make(chan *op, maxInflight),
		maxIn:  maxInflight,
		cancel: cancel,
	}
	for i := 0; i < finisherThreads; i++ {
		p.wg.Add(1)
		go p.finisherLoop(ctx)
	}
	return p
}

func (p *Pipeline) finisherLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case o, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, o)
			p.release()
		case <-ctx.Done():
			return
		}
	}
}

// admit blocks until inflight < maxIn, then reserves a slot.
func (p *Pipeline) admit() bool {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return false
	}
	if p.inflight < p.maxIn {
		p.inflight++
		p.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()
	<-ch
	p.mu.Lock()
	ok := !p.isClosed
	if ok {
		p.inflight++
	}
	p.mu.Unlock()
	return ok
}

func (p *Pipeline) release() {
	p.mu.Lock()
	p.inflight--
	var next chan struct{}
	if len(p.waiters) > 0 {
		next = p.waiters[0]
		p.waiters = p.waiters[1:]
	}
	p.mu.Unlock()
	if next != nil {
		close(next)
	}
}

func (p *Pipeline) enqueue(o *op) {
	if !p.admit() {
		o.done(Result{Err: status.ErrShutdown})
		return
	}
	select {
	case p.queue <- o:
	default:
		// Channel buffer sized to maxInflight; admission already bounded
		// concurrent entries, so this branch only matters if Close raced us.
		p.release()
		o.done(Result{Err: status.ErrShutdown})
	}
}

// AppendAsync enqueues an append of data, invoking done with the assigned
// position once complete.
func (p *Pipeline) AppendAsync(data []byte, done func(Result)) {
	p.enqueue(&op{kind: kindAppend, data: data, done: done})
}

// ReadAsync enqueues a read of position.
func (p *Pipeline) ReadAsync(position uint64, done func(Result)) {
	p.enqueue(&op{kind: kindRead, position: position, done: done})
}

// FillAsync enqueues a fill of position.
func (p *Pipeline) FillAsync(position uint64, done func(Result)) {
	p.enqueue(&op{kind: kindFill, position: position, done: done})
}

// TrimAsync enqueues a trim of position.
func (p *Pipeline) TrimAsync(position uint64, done func(Result)) {
	p.enqueue(&op{kind: kindTrim, position: position, done: done})
}

// TailAsync enqueues a check_tail query (spec.md §4.4, §6). When increment
// is true the sequencer's counter is durably advanced and the claimed
// position returned; otherwise it is a read-only peek at the next position
// to be issued.
func (p *Pipeline) TailAsync(increment bool, done func(Result)) {
	p.enqueue(&op{kind: kindTail, increment: increment, done: done})
}

// Close stops accepting new work, cancels worker goroutines, and delivers
// status.ErrShutdown to every op still pending. It blocks until all
// worker goroutines have exited. Callers must stop issuing new ops before
// calling Close; enqueuing concurrently with Close is not supported.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.isClosed {
		p.mu.Unlock()
		return
	}
	p.isClosed = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}

	p.cancel()
	close(p.queue)
	p.wg.Wait()

	for o := range p.queue {
		o.done(Result{Err: status.ErrShutdown})
	}
}

func (p *Pipeline) run(ctx context.Context, o *op) {
	switch o.kind {
	case kindAppend:
		pos, err := p.runAppend(ctx, o)
		o.done(Result{Position: pos, Err: err})
	case kindRead:
		data, err := p.runRead(ctx, o.position)
		o.done(Result{Data: data, Err: err})
	case kindFill:
		o.done(Result{Err: p.runFillOrTrim(ctx, o.position, true)})
	case kindTrim:
		o.done(Result{Err: p.runFillOrTrim(ctx, o.position, false)})
	case kindTail:
		pos, empty, err := p.runTail(ctx, o.increment)
		o.done(Result{Position: pos, MaxPos: pos, Empty: empty, Err: err})
	}
}

// runAppend implements spec.md §4.5's Append algorithm.
func (p *Pipeline) runAppend(ctx context.Context, o *op) (uint64, error) {
	var positionEpoch *uint64
	var position uint64

	for {
		cur := p.strp.View()
		if cur.Seq == nil {
			if err := p.strp.ProposeSequencer(ctx); err != nil {
				return 0, err
			}
			continue
		}

		seqEpoch := cur.Seq.Epoch()
		if positionEpoch == nil || *positionEpoch != seqEpoch {
			pos, err := cur.Seq.CheckTail(ctx, true)
			if err != nil {
				return 0, err
			}
			position = pos
			e := seqEpoch
			positionEpoch = &e
		}

		oid, err := p.strp.Map(cur.View, position)
		if errors.Is(err, status.ErrUnmapped) {
			if err := p.strp.TryExpandView(ctx, position); err != nil {
				return 0, err
			}
			continue
		} else if err != nil {
			return 0, err
		}

		lostRace := false
		for {
			werr := p.be.Write(ctx, oid, cur.View.Epoch, position, o.data)
			switch {
			case werr == nil:
				return position, nil
			case errors.Is(werr, status.ErrNotFound):
				serr := p.be.Seal(ctx, oid, cur.View.Epoch)
				if serr == nil {
					continue // retry the same write
				}
				if errors.Is(serr, status.ErrStaleEpoch) {
					// The race is between our Seal and another
					// initializer at the same epoch: do not refresh,
					// just retry the write (it will see ReadOnly or Ok).
					continue
				}
				return 0, serr
			case errors.Is(werr, status.ErrStaleEpoch):
				klog.V(2).Infof("append: stale epoch writing %s@%d, refreshing view", oid, cur.View.Epoch)
				if err := p.strp.UpdateCurrentView(ctx, cur.View.Epoch); err != nil {
					return 0, err
				}
				lostRace = true
			case errors.Is(werr, status.ErrReadOnly):
				klog.V(2).Infof("append: lost race for position %d, acquiring a new one", position)
				positionEpoch = nil
				lostRace = true
			default:
				return 0, werr
			}
			if lostRace {
				break
			}
		}
	}
}

// runRead implements spec.md §4.5's Read algorithm.
func (p *Pipeline) runRead(ctx context.Context, position uint64) ([]byte, error) {
	for {
		cur := p.strp.View()
		oid, err := p.strp.Map(cur.View, position)
		if errors.Is(err, status.ErrUnmapped) {
			if position < cur.View.UpperBound() {
				return nil, status.ErrNotFound
			}
			if err := p.strp.TryExpandView(ctx, position); err != nil {
				return nil, err
			}
			continue
		} else if err != nil {
			return nil, err
		}

		data, rerr := p.be.Read(ctx, oid, cur.View.Epoch, position)
		switch {
		case rerr == nil:
			return data, nil
		case errors.Is(rerr, status.ErrStaleEpoch):
			if err := p.strp.UpdateCurrentView(ctx, cur.View.Epoch); err != nil {
				return nil, err
			}
			continue
		case errors.Is(rerr, status.ErrNotFound):
			serr := p.be.Seal(ctx, oid, cur.View.Epoch)
			if serr == nil || errors.Is(serr, status.ErrStaleEpoch) {
				continue
			}
			return nil, serr
		default:
			return nil, rerr
		}
	}
}

// runFillOrTrim implements spec.md §4.5's Fill/Trim skeleton (identical to
// Read's, differing only in the terminal backend call).
func (p *Pipeline) runFillOrTrim(ctx context.Context, position uint64, fill bool) error {
	for {
		cur := p.strp.View()
		oid, err := p.strp.Map(cur.View, position)
		if errors.Is(err, status.ErrUnmapped) {
			if err := p.strp.TryExpandView(ctx, position); err != nil {
				return err
			}
			continue
		} else if err != nil {
			return err
		}

		var opErr error
		if fill {
			opErr = p.be.Fill(ctx, oid, cur.View.Epoch, position)
		} else {
			opErr = p.be.Trim(ctx, oid, cur.View.Epoch, position)
		}
		switch {
		case opErr == nil:
			return nil
		case errors.Is(opErr, status.ErrStaleEpoch):
			if err := p.strp.UpdateCurrentView(ctx, cur.View.Epoch); err != nil {
				return err
			}
			continue
		case errors.Is(opErr, status.ErrNotFound):
			serr := p.be.Seal(ctx, oid, cur.View.Epoch)
			if serr == nil || errors.Is(serr, status.ErrStaleEpoch) {
				continue
			}
			return serr
		default:
			return opErr
		}
	}
}

// runTail implements spec.md §4.5's Tail algorithm: consult the sequencer,
// nominating one if absent. Unlike Append, a claimed position is not
// written to any stripe object here; the caller owns what (if anything) it
// does with the reservation.
func (p *Pipeline) runTail(ctx context.Context, increment bool) (uint64, bool, error) {
	for {
		cur := p.strp.View()
		if cur.Seq == nil {
			if err := p.strp.ProposeSequencer(ctx); err != nil {
				return 0, false, err
			}
			continue
		}
		pos, err := cur.Seq.CheckTail(ctx, increment)
		if err != nil {
			return 0, false, err
		}
		// empty only describes a read-only peek at an untouched tail; a
		// claimed position (increment=true) is never "empty", even at
		// position 0.
		return pos, !increment && pos == 0, nil
	}
}
