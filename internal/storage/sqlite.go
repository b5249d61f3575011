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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// InstanceStore backs a single workflow actor: the `workflow`, `steps`,
// `sse_messages`, and `event_buffer` tables. One InstanceStore per
// actor, one SQLite file (or ":memory:") per InstanceStore.
type InstanceStore struct {
	db *sql.DB
}

// Config configures how an actor's database is opened.
type Config struct {
	// Path is the SQLite DSN. Use ":memory:" for ephemeral/test stores.
	Path string
	// WAL enables write-ahead-logging journal mode. It is off unless set,
	// for ":memory:" and file-backed stores alike.
	WAL bool
}

// OpenInstanceStore opens (creating if necessary) the actor database at
// cfg.Path and migrates it to the current schema.
func OpenInstanceStore(ctx context.Context, cfg Config) (*InstanceStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Path, err)
	}
	// SQLite allows exactly one writer; serializing through a single
	// connection makes that explicit rather than relying on SQLITE_BUSY
	// retries under concurrent connections from the same process.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", cfg.Path, err)
	}

	if err := configurePragmas(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &InstanceStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func configurePragmas(ctx context.Context, db *sql.DB, cfg Config) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if cfg.WAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("storage: pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *InstanceStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			paused INTEGER NOT NULL DEFAULT 0,
			payload BLOB,
			result BLOB,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			name TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			result BLOB,
			error TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			wake_at INTEGER,
			started_at INTEGER,
			completed_at INTEGER,
			duration_ms INTEGER,
			error_stack TEXT,
			retry_history TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_wake_at ON steps(wake_at)`,
		`CREATE TABLE IF NOT EXISTS event_buffer (
			event TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			received_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sse_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *InstanceStore) Close() error { return s.db.Close() }

// --- workflow row ---

// GetWorkflow returns the instance's workflow row, or nil if initialize
// has not yet been called.
func (s *InstanceStore) GetWorkflow(ctx context.Context) (*WorkflowRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, type, status, paused, payload, result, error, created_at, updated_at FROM workflow LIMIT 1`)
	var w WorkflowRow
	var paused int
	var result []byte
	var errStr sql.NullString
	if err := row.Scan(&w.ID, &w.Type, &w.Status, &paused, &w.Payload, &result, &errStr, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get workflow: %w", err)
	}
	w.Paused = paused != 0
	w.Result = result
	if errStr.Valid {
		w.Error = &errStr.String
	}
	return &w, nil
}

// CreateWorkflow inserts the one-and-only workflow row for this
// instance. Callers must check GetWorkflow first — initialize is
// idempotent at the runner layer, not enforced here.
func (s *InstanceStore) CreateWorkflow(ctx context.Context, w *WorkflowRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow (id, type, status, paused, payload, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Type, string(w.Status), boolToInt(w.Paused), w.Payload, w.Result, nullString(w.Error), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: create workflow: %w", err)
	}
	return nil
}

// UpdateWorkflow persists the workflow row's mutable fields. UpdatedAt
// is clamped to max(existing, w.UpdatedAt) so it never decreases
// (property 3), since SQLite alone cannot express that invariant
// declaratively.
func (s *InstanceStore) UpdateWorkflow(ctx context.Context, w *WorkflowRow) error {
	existing, err := s.GetWorkflow(ctx)
	if err != nil {
		return err
	}
	if existing != nil && existing.UpdatedAt > w.UpdatedAt {
		w.UpdatedAt = existing.UpdatedAt
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE workflow SET status=?, paused=?, payload=?, result=?, error=?, updated_at=?
		WHERE id=?
	`, string(w.Status), boolToInt(w.Paused), w.Payload, w.Result, nullString(w.Error), w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("storage: update workflow: %w", err)
	}
	return nil
}

// --- steps ---

// GetStep returns the step row named name, or nil if it has never been
// created.
func (s *InstanceStore) GetStep(ctx context.Context, name string) (*StepRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, type, status, result, error, attempts, wake_at, started_at, completed_at, duration_ms, error_stack, retry_history
		FROM steps WHERE name=?
	`, name)
	return scanStep(row)
}

// ListSteps returns every step row for the instance, in no particular
// order (callers sort as needed — getStatus sorts by startedAt).
func (s *InstanceStore) ListSteps(ctx context.Context) ([]*StepRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, status, result, error, attempts, wake_at, started_at, completed_at, duration_ms, error_stack, retry_history
		FROM steps
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var out []*StepRow
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListPendingSteps returns steps in sleeping, waiting, or failed
// (pending-retry) status — the set the alarm handler scans.
func (s *InstanceStore) ListPendingSteps(ctx context.Context) ([]*StepRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, status, result, error, attempts, wake_at, started_at, completed_at, duration_ms, error_stack, retry_history
		FROM steps WHERE status IN ('sleeping','waiting','failed')
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending steps: %w", err)
	}
	defer rows.Close()

	var out []*StepRow
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanStep(row scannable) (*StepRow, error) {
	var st StepRow
	var result []byte
	var errStr sql.NullString
	var wakeAt, startedAt, completedAt, durationMS sql.NullInt64
	var errorStack sql.NullString
	var retryHistoryJSON string

	if err := row.Scan(&st.Name, &st.Type, &st.Status, &result, &errStr, &st.Attempts, &wakeAt, &startedAt, &completedAt, &durationMS, &errorStack, &retryHistoryJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: scan step: %w", err)
	}

	st.Result = result
	if errStr.Valid {
		st.Error = &errStr.String
	}
	if wakeAt.Valid {
		st.WakeAt = &wakeAt.Int64
	}
	if startedAt.Valid {
		st.StartedAt = &startedAt.Int64
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Int64
	}
	if durationMS.Valid {
		st.DurationMS = &durationMS.Int64
	}
	if errorStack.Valid {
		st.ErrorStack = &errorStack.String
	}
	if retryHistoryJSON != "" {
		if err := json.Unmarshal([]byte(retryHistoryJSON), &st.RetryHistory); err != nil {
			return nil, fmt.Errorf("storage: decode retry history for %s: %w", st.Name, err)
		}
	}
	return &st, nil
}

// UpsertStep writes st in full, creating the row if it doesn't already
// exist. Step names are immutable once created (spec.md §3), so this is
// only ever called for a name the caller already confirmed is either
// new or owned by this write.
func (s *InstanceStore) UpsertStep(ctx context.Context, st *StepRow) error {
	historyJSON, err := json.Marshal(st.RetryHistory)
	if err != nil {
		return fmt.Errorf("storage: encode retry history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO steps (name, type, status, result, error, attempts, wake_at, started_at, completed_at, duration_ms, error_stack, retry_history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status=excluded.status,
			result=excluded.result,
			error=excluded.error,
			attempts=excluded.attempts,
			wake_at=excluded.wake_at,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at,
			duration_ms=excluded.duration_ms,
			error_stack=excluded.error_stack,
			retry_history=excluded.retry_history
	`, st.Name, string(st.Type), string(st.Status), st.Result, nullString(st.Error), st.Attempts,
		nullInt64(st.WakeAt), nullInt64(st.StartedAt), nullInt64(st.CompletedAt), nullInt64(st.DurationMS),
		nullString(st.ErrorStack), string(historyJSON))
	if err != nil {
		return fmt.Errorf("storage: upsert step %s: %w", st.Name, err)
	}
	return nil
}

// ClearSteps deletes every step row (used by terminate's wipe path is
// NOT this — terminate never wipes steps, only the event buffer; this
// exists for the explicit-terminate "wipe" invariant callout in §3 that
// a future maintenance operation may need).
func (s *InstanceStore) ClearSteps(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM steps`)
	return err
}

// --- event buffer ---

// GetBufferedEvent returns the last-delivered payload for event, if any.
func (s *InstanceStore) GetBufferedEvent(ctx context.Context, event string) (*EventBufferRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT event, payload, received_at FROM event_buffer WHERE event=?`, event)
	var e EventBufferRow
	if err := row.Scan(&e.Event, &e.Payload, &e.ReceivedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get buffered event: %w", err)
	}
	return &e, nil
}

// BufferEvent upserts an event delivery, last-write-wins on the event
// name (spec.md §3 EventBufferEntry invariant).
func (s *InstanceStore) BufferEvent(ctx context.Context, e *EventBufferRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_buffer (event, payload, received_at) VALUES (?, ?, ?)
		ON CONFLICT(event) DO UPDATE SET payload=excluded.payload, received_at=excluded.received_at
	`, e.Event, e.Payload, e.ReceivedAt)
	if err != nil {
		return fmt.Errorf("storage: buffer event: %w", err)
	}
	return nil
}

// ConsumeBufferedEvent deletes the buffered entry for event (called
// once a wait_for_event step has consumed it).
func (s *InstanceStore) ConsumeBufferedEvent(ctx context.Context, event string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM event_buffer WHERE event=?`, event)
	return err
}

// ClearEventBuffer deletes every buffered event (terminate's wipe).
func (s *InstanceStore) ClearEventBuffer(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM event_buffer`)
	return err
}

// --- sse_messages ---

// AppendLiveMessage appends a persisted (emit) live-update frame and
// returns its assigned sequence number.
func (s *InstanceStore) AppendLiveMessage(ctx context.Context, event string, data []byte, createdAt int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO sse_messages (event, data, created_at) VALUES (?, ?, ?)`, event, data, createdAt)
	if err != nil {
		return 0, fmt.Errorf("storage: append live message: %w", err)
	}
	return res.LastInsertId()
}

// ListLiveMessages returns every persisted live-update frame in
// ascending seq order, replayed to a newly connected subscriber before
// it is attached to the live set.
func (s *InstanceStore) ListLiveMessages(ctx context.Context) ([]*LiveMessageRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, event, data, created_at FROM sse_messages ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list live messages: %w", err)
	}
	defer rows.Close()

	var out []*LiveMessageRow
	for rows.Next() {
		var m LiveMessageRow
		if err := rows.Scan(&m.Seq, &m.Event, &m.Data, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan live message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}
