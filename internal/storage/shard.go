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
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ShardStore backs a single index shard actor: only the `instances`
// table from spec.md §3/§4.7.
type ShardStore struct {
	db *sql.DB
}

// OpenShardStore opens (creating if necessary) a shard actor's database
// and migrates it to the current schema.
func OpenShardStore(ctx context.Context, cfg Config) (*ShardStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("storage: open shard %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping shard %s: %w", cfg.Path, err)
	}

	if err := configurePragmas(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &ShardStore{db: db}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate shard: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *ShardStore) Close() error { return s.db.Close() }

// Upsert writes an IndexEntry keyed by id. On conflict it updates only
// status and updated_at, preserving the original created_at — spec.md
// §4.7's indexWrite contract. updated_at never moves backwards.
func (s *ShardStore) Upsert(ctx context.Context, e *IndexEntryRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, updated_at=max(instances.updated_at, excluded.updated_at)
	`, e.ID, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: upsert index entry: %w", err)
	}
	return nil
}

// List returns instances matching status (empty means any), capped at
// limit (0 means unlimited), ordered by updated_at descending.
func (s *ShardStore) List(ctx context.Context, status string, limit int) ([]*IndexEntryRow, error) {
	query := `SELECT id, status, created_at, updated_at FROM instances`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list index entries: %w", err)
	}
	defer rows.Close()

	var out []*IndexEntryRow
	for rows.Next() {
		var e IndexEntryRow
		if err := rows.Scan(&e.ID, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan index entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
