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

// Package spanner provides a durable, multi-process-safe sequencer.Sequencer
// backed by Cloud Spanner, grounded on the spannerSequencer/SeqCoord design
// in _examples/transparency-dev-trillian-tessera/storage/gcp/gcp.go: a
// single coordination row advanced inside a ReadWriteTransaction.
//
// Schema for reference (created externally, e.g. by terraform):
//
//	CREATE TABLE SeqCoord (
//	  log_name STRING(MAX) NOT NULL,
//	  epoch INT64 NOT NULL,
//	  next INT64 NOT NULL,
//	) PRIMARY KEY (log_name);
package spanner

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/avast/retry-go/v4"
	"google.golang.org/grpc/codes"

	"github.com/stripelog/stripelog/sequencer"
)

// transientRetry bounds retries of a Spanner round trip against transient
// ABORTED/UNAVAILABLE errors; it is not used for the semantic epoch-fencing
// retries that live in the pipeline package.
func transientRetry(ctx context.Context, f func() error) error {
	return retry.Do(f, retry.Context(ctx), retry.Attempts(3), retry.DelayType(retry.BackOffDelay))
}

// Sequencer is a Cloud Spanner-backed sequencer.Sequencer.
type Sequencer struct {
	client  *spanner.Client
	logName string
	epoch   uint64
}

var _ sequencer.Sequencer = (*Sequencer)(nil)

// Open connects to the Spanner database named by db (a full resource
// name), ensures a coordination row exists for logName, and returns a
// Sequencer nominated under epoch starting from position start.
func Open(ctx context.Context, db, logName string, epoch, start uint64) (*Sequencer, error) {
	client, err := spanner.NewClient(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Spanner: %w", err)
	}
	s := &Sequencer{client: client, logName: logName, epoch: epoch}
	if err := s.initRow(ctx, start); err != nil {
		return nil, fmt.Errorf("failed to init sequencer row: %w", err)
	}
	return s, nil
}

func (s *Sequencer) initRow(ctx context.Context, start uint64) error {
	m := spanner.Insert("SeqCoord", []string{"log_name", "epoch", "next"}, []interface{}{s.logName, int64(s.epoch), int64(start)})
	if _, err := s.client.Apply(ctx, []*spanner.Mutation{m}); err != nil && spanner.ErrCode(err) != codes.AlreadyExists {
		return err
	}
	return nil
}

func (s *Sequencer) Epoch() uint64 { return s.epoch }

func (s *Sequencer) CheckTail(ctx context.Context, increment bool) (uint64, error) {
	if !increment {
		row, err := s.client.Single().ReadRow(ctx, "SeqCoord", spanner.Key{s.logName}, []string{"next"})
		if err != nil {
			return 0, fmt.Errorf("failed to read SeqCoord: %w", err)
		}
		var next int64
		if err := row.Column(0, &next); err != nil {
			return 0, err
		}
		return uint64(next), nil
	}

	var next int64
	err := transientRetry(ctx, func() error {
		_, txErr := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
			row, err := txn.ReadRow(ctx, "SeqCoord", spanner.Key{s.logName}, []string{"next"})
			if err != nil {
				return err
			}
			if err := row.Column(0, &next); err != nil {
				return err
			}
			return txn.BufferWrite([]*spanner.Mutation{
				spanner.Update("SeqCoord", []string{"log_name", "next"}, []interface{}{s.logName, next + 1}),
			})
		})
		return txErr
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance SeqCoord: %w", err)
	}
	return uint64(next), nil
}

// Close releases the underlying Spanner client.
func (s *Sequencer) Close() error {
	s.client.Close()
	return nil
}
