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

// Package mysql provides a durable, multi-process-safe sequencer.Sequencer
// backed by MySQL, grounded on the mySQLSequencer/SeqCoord design in
// _examples/transparency-dev-trillian-tessera/storage/aws/aws.go: a single
// coordination row advanced under `SELECT ... FOR UPDATE` inside a
// transaction.
package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/avast/retry-go/v4"
	_ "github.com/go-sql-driver/mysql"
	"github.com/stripelog/stripelog/sequencer"
)

// transientRetry bounds retries of a MySQL round trip against connection
// blips (lock-wait timeouts, dropped connections); it is not used for the
// semantic epoch-fencing retries that live in the pipeline package.
func transientRetry(ctx context.Context, f func() error) error {
	return retry.Do(f, retry.Context(ctx), retry.Attempts(3), retry.DelayType(retry.BackOffDelay))
}

// Sequencer is a MySQL-backed sequencer.Sequencer. One row of SeqCoord,
// keyed by logName, tracks the next position to hand out.
type Sequencer struct {
	db      *sql.DB
	logName string
	epoch   uint64
}

var _ sequencer.Sequencer = (*Sequencer)(nil)

// Open connects to dsn, ensures the coordination schema exists, and
// registers (or resumes) the coordination row for logName at the given
// epoch and starting position.
func Open(ctx context.Context, dsn, logName string, epoch, start uint64) (*Sequencer, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping MySQL db: %w", err)
	}
	s := &Sequencer{db: db, logName: logName, epoch: epoch}
	if err := s.initDB(ctx, start); err != nil {
		return nil, fmt.Errorf("failed to init sequencer schema: %w", err)
	}
	return s, nil
}

func (s *Sequencer) initDB(ctx context.Context, start uint64) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS SeqCoord(
			log_name VARCHAR(512) NOT NULL,
			epoch BIGINT UNSIGNED NOT NULL,
			next BIGINT UNSIGNED NOT NULL,
			PRIMARY KEY (log_name)
		)`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT IGNORE INTO SeqCoord (log_name, epoch, next) VALUES (?, ?, ?)`, s.logName, s.epoch, start)
	return err
}

func (s *Sequencer) Epoch() uint64 { return s.epoch }

func (s *Sequencer) CheckTail(ctx context.Context, increment bool) (uint64, error) {
	if !increment {
		var next uint64
		err := transientRetry(ctx, func() error {
			row := s.db.QueryRowContext(ctx, "SELECT next FROM SeqCoord WHERE log_name = ?", s.logName)
			return row.Scan(&next)
		})
		if err != nil {
			return 0, fmt.Errorf("failed to read SeqCoord: %w", err)
		}
		return next, nil
	}

	var next uint64
	err := transientRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin Tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, "SELECT next FROM SeqCoord WHERE log_name = ? FOR UPDATE", s.logName)
		if err := row.Scan(&next); err != nil {
			return fmt.Errorf("failed to read SeqCoord: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE SeqCoord SET next = ? WHERE log_name = ?", next+1, s.logName); err != nil {
			return fmt.Errorf("failed to advance SeqCoord: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to advance SeqCoord: %w", err)
	}
	return next, nil
}

// Close releases the underlying database connection pool.
func (s *Sequencer) Close() error {
	return s.db.Close()
}
