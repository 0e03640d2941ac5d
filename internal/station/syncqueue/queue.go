// Copyright 2025 Tom Barlow
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

// Package syncqueue is the batch worker's durable offline sync queue: a
// SQLite-backed FIFO of backend operations that could not be delivered
// because of a transient transport error, retried with exponential
// backoff until they succeed or exhaust their retry budget.
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a queued entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// DefaultMaxRetries is the number of delivery attempts before an entry is
// marked StatusFailed and stops being picked up by Dequeue.
const DefaultMaxRetries = 5

// Entry is one queued backend operation.
type Entry struct {
	ID            int64
	EntityType    string
	EntityID      string
	Action        string
	Payload       map[string]interface{}
	Status        Status
	CreatedAt     time.Time
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
}

// Queue is a SQLite-backed durable FIFO queue.
type Queue struct {
	db         *sql.DB
	maxRetries int
}

// Config configures a Queue.
type Config struct {
	// Path is the SQLite database file path.
	Path string
	// MaxRetries caps delivery attempts before an entry is marked failed.
	// Zero uses DefaultMaxRetries.
	MaxRetries int
}

// Open opens (creating if necessary) the SQLite-backed queue at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("syncqueue: path is required")
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	connStr := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("syncqueue: connect: %w", err)
	}

	q := &Queue{db: db, maxRetries: maxRetries}
	if err := q.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS offline_sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_attempt_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("syncqueue: migrate: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_offline_sync_queue_ready
		ON offline_sync_queue(status, next_attempt_at)`)
	if err != nil {
		return fmt.Errorf("syncqueue: create index: %w", err)
	}

	return nil
}

// Enqueue adds a new entry, immediately eligible for delivery.
func (q *Queue) Enqueue(ctx context.Context, entityType, entityID, action string, payload map[string]interface{}) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("syncqueue: marshal payload: %w", err)
	}

	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `INSERT INTO offline_sync_queue
		(entity_type, entity_id, action, payload, status, created_at, attempts, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		entityType, entityID, action, string(raw), StatusPending, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("syncqueue: insert: %w", err)
	}

	return res.LastInsertId()
}

// Dequeue returns the oldest pending entry whose next_attempt_at has
// elapsed, or nil if none is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	row := q.db.QueryRowContext(ctx, `SELECT id, entity_type, entity_id, action, payload, status,
		created_at, attempts, last_error, next_attempt_at
		FROM offline_sync_queue
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY id ASC LIMIT 1`, StatusPending, now)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkSuccess removes a successfully delivered entry.
func (q *Queue) MarkSuccess(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM offline_sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("syncqueue: delete %d: %w", id, err)
	}
	return nil
}

// MarkFailure records a failed delivery attempt. Once attempts reaches the
// queue's max retries, the entry's status moves to StatusFailed and it is
// no longer returned by Dequeue; otherwise its next_attempt_at is pushed
// out by an exponential backoff with jitter.
func (q *Queue) MarkFailure(ctx context.Context, id int64, deliveryErr error) error {
	row := q.db.QueryRowContext(ctx, `SELECT attempts FROM offline_sync_queue WHERE id = ?`, id)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return fmt.Errorf("syncqueue: read attempts for %d: %w", id, err)
	}

	attempts++
	status := StatusPending
	nextAttempt := time.Now().UTC().Add(backoff(attempts))
	if attempts >= q.maxRetries {
		status = StatusFailed
	}

	_, err := q.db.ExecContext(ctx, `UPDATE offline_sync_queue
		SET attempts = ?, last_error = ?, status = ?, next_attempt_at = ?
		WHERE id = ?`,
		attempts, deliveryErr.Error(), status, nextAttempt.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("syncqueue: update %d: %w", id, err)
	}

	return nil
}

// backoff returns an exponential delay (base 2s, capped at 5 minutes)
// with up to 20% jitter, for the given attempt count (1-indexed).
func backoff(attempt int) time.Duration {
	base := 2 * time.Second
	delay := base << uint(attempt-1)
	const maxDelay = 5 * time.Minute
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 5))
	return delay + jitter
}

// CountPending returns the number of entries still eligible for retry.
func (q *Queue) CountPending(ctx context.Context) (int, error) {
	return q.count(ctx, StatusPending)
}

// CountFailed returns the number of entries that exhausted their retries.
func (q *Queue) CountFailed(ctx context.Context) (int, error) {
	return q.count(ctx, StatusFailed)
}

func (q *Queue) count(ctx context.Context, status Status) (int, error) {
	row := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_sync_queue WHERE status = ?`, status)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("syncqueue: count %s: %w", status, err)
	}
	return n, nil
}

// Drain runs deliver against every ready pending entry in FIFO order until
// none remain ready or deliver returns an error for one, recording its
// outcome with MarkSuccess/MarkFailure. It returns the number of entries
// successfully delivered.
func (q *Queue) Drain(ctx context.Context, deliver func(Entry) error) (int, error) {
	delivered := 0
	for {
		entry, err := q.Dequeue(ctx)
		if err != nil {
			return delivered, err
		}
		if entry == nil {
			return delivered, nil
		}

		if err := deliver(*entry); err != nil {
			if markErr := q.MarkFailure(ctx, entry.ID, err); markErr != nil {
				return delivered, markErr
			}
			return delivered, nil
		}

		if err := q.MarkSuccess(ctx, entry.ID); err != nil {
			return delivered, err
		}
		delivered++
	}
}

// RetryFailed resets every StatusFailed entry back to StatusPending,
// eligible for immediate retry. Used by a manual "force sync" operation.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := q.db.ExecContext(ctx, `UPDATE offline_sync_queue
		SET status = ?, attempts = 0, next_attempt_at = ?
		WHERE status = ?`, StatusPending, now, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("syncqueue: retry failed entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e             Entry
		payloadRaw    string
		createdAtRaw  string
		lastError     sql.NullString
		nextAttemptAt string
	)

	if err := row.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &payloadRaw, &e.Status,
		&createdAtRaw, &e.Attempts, &lastError, &nextAttemptAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payloadRaw), &e.Payload); err != nil {
		return nil, fmt.Errorf("syncqueue: unmarshal payload for %d: %w", e.ID, err)
	}

	createdAt, err := time.Parse(time.RFC3339, createdAtRaw)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: parse created_at for %d: %w", e.ID, err)
	}
	e.CreatedAt = createdAt

	nextAt, err := time.Parse(time.RFC3339, nextAttemptAt)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: parse next_attempt_at for %d: %w", e.ID, err)
	}
	e.NextAttemptAt = nextAt
	e.LastError = lastError.String

	return &e, nil
}
