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
	"fmt"

	"github.com/google/uuid"

	"github.com/stripelog/stripelog/sequencer"
	"github.com/stripelog/stripelog/sequencer/local"
	"github.com/stripelog/stripelog/sequencer/mysql"
	"github.com/stripelog/stripelog/sequencer/spanner"
	"github.com/stripelog/stripelog/striper"
	"github.com/stripelog/stripelog/view"
)

func randomLocalID() string {
	return uuid.NewString()
}

const (
	// DefaultFinisherThreads is used if no WithFinisherThreads option is
	// provided when creating or opening a log.
	DefaultFinisherThreads = 4
	// DefaultMaxInflightOps is used if no WithMaxInflightOps option is
	// provided when creating or opening a log.
	DefaultMaxInflightOps = 256
)

// Options collects the configuration enumerated in spec.md §6: pipeline
// sizing and the sequencer factory used to resolve a view's nominated
// sequencer descriptor into a live sequencer.Sequencer.
type Options struct {
	FinisherThreads  int
	MaxInflightOps   int
	LocalID          string
	SequencerFactory striper.SequencerFactory
}

// Option mutates Options, following the functional-options pattern used
// throughout this module's teacher codebase.
type Option func(*Options)

// WithFinisherThreads sets the pipeline's fixed worker-pool size (spec.md
// §4.5 finisher_threads). Must be a positive integer.
func WithFinisherThreads(n int) Option {
	return func(o *Options) { o.FinisherThreads = n }
}

// WithMaxInflightOps sets the pipeline's admission bound (spec.md §4.5
// max_inflight_ops): Enqueue blocks once this many operations are pending
// or running.
func WithMaxInflightOps(n int) Option {
	return func(o *Options) { o.MaxInflightOps = n }
}

// WithLocalID sets the identity this client advertises when it nominates
// itself as sequencer (spec.md §4.3 propose_sequencer). Defaults to a
// random value if unset.
func WithLocalID(id string) Option {
	return func(o *Options) { o.LocalID = id }
}

// WithMySQLSequencer configures views that designate a "mysql" sequencer
// scheme to be resolved against the MySQL database reachable at dsn.
func WithMySQLSequencer(dsn string) Option {
	return func(o *Options) {
		o.SequencerFactory = wrapFactory(o.SequencerFactory, sequencer.SchemeMySQL, func(ctx context.Context, epoch uint64, desc view.Sequencer) (sequencer.Sequencer, error) {
			return mysql.Open(ctx, dsn, desc.Addr, epoch, 0)
		})
	}
}

// WithSpannerSequencer configures views that designate a "spanner"
// sequencer scheme to be resolved against the Spanner database db.
func WithSpannerSequencer(db string) Option {
	return func(o *Options) {
		o.SequencerFactory = wrapFactory(o.SequencerFactory, sequencer.SchemeSpanner, func(ctx context.Context, epoch uint64, desc view.Sequencer) (sequencer.Sequencer, error) {
			return spanner.Open(ctx, db, desc.Addr, epoch, 0)
		})
	}
}

// wrapFactory layers a scheme-specific resolver on top of an existing
// factory (normally the default local-sequencer factory), so multiple
// WithXSequencer options can be combined.
func wrapFactory(prev striper.SequencerFactory, scheme string, f striper.SequencerFactory) striper.SequencerFactory {
	return func(ctx context.Context, epoch uint64, desc view.Sequencer) (sequencer.Sequencer, error) {
		if desc.Scheme == scheme {
			return f(ctx, epoch, desc)
		}
		return prev(ctx, epoch, desc)
	}
}

func defaultOptions() Options {
	return Options{
		FinisherThreads:  DefaultFinisherThreads,
		MaxInflightOps:   DefaultMaxInflightOps,
		LocalID:          randomLocalID(),
		SequencerFactory: localOnlyFactory,
	}
}

// localOnlyFactory resolves "local" sequencer descriptors to a fresh
// in-memory counter seeded at zero; any other scheme is an error unless a
// WithXSequencer option has layered a resolver in front of this one.
func localOnlyFactory(_ context.Context, epoch uint64, desc view.Sequencer) (sequencer.Sequencer, error) {
	if desc.Scheme != sequencer.SchemeLocal {
		return nil, fmt.Errorf("stripelog: no sequencer resolver configured for scheme %q", desc.Scheme)
	}
	return local.New(epoch, 0), nil
}
