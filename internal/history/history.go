// Package history persists terminal delivery transitions to SQLite so
// operators can answer "what happened to this study" after the durable
// queues have drained. Recording is idempotent: replaying a cycle after
// a crash never produces duplicate rows.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/medrelay/agent/internal/item"
)

//go:embed schema.sql
var schemaSQL string

// Record is one terminal transition of a work item on a connection.
type Record struct {
	Seq        int64       `json:"seq"`
	InstanceID string      `json:"instance_id"`
	ItemID     string      `json:"item_id"`
	Connection string      `json:"connection"`
	Kind       item.Kind   `json:"kind"`
	Status     item.Status `json:"status"`
	Attempts   int         `json:"attempts"`
	Detail     string      `json:"detail,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// Store provides durable delivery history backed by SQLite.
// Uses WAL mode so CLI reads don't block the agent's writes.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the history database at path. Pragmas and the
// schema are applied on every open; both are idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to history database: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY under concurrent terminal transitions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// RecordTerminal writes one terminal transition. Duplicate transitions
// for the same (instance, connection, status) are silently ignored.
func (s *Store) RecordTerminal(ctx context.Context, it *item.WorkItem, connection string, final item.Status, detail string) error {
	if final != item.StatusCompleted && final != item.StatusFailed {
		return fmt.Errorf("record delivery: non-terminal status %q", final)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries
		(instance_id, item_id, connection, kind, status, attempts, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		it.InstanceID,
		it.ID,
		connection,
		string(it.Kind),
		string(final),
		it.Attempts,
		detail,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// Recent returns the newest records, most recent first. limit <= 0 means
// a default page of 50.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, instance_id, item_id, connection, kind, status, attempts, detail, recorded_at
		FROM deliveries
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByItem returns every terminal transition recorded for an item ID,
// oldest first, tracing the item's path through the connections.
func (s *Store) ByItem(ctx context.Context, itemID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, instance_id, item_id, connection, kind, status, attempts, detail, recorded_at
		FROM deliveries
		WHERE item_id = ?
		ORDER BY seq ASC
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries for item %s: %w", itemID, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	records := []Record{}
	for rows.Next() {
		var (
			r          Record
			kind       string
			status     string
			recordedAt string
		)
		if err := rows.Scan(&r.Seq, &r.InstanceID, &r.ItemID, &r.Connection, &kind, &status, &r.Attempts, &r.Detail, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		r.Kind = item.Kind(kind)
		r.Status = item.Status(status)
		ts, err := time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at %q: %w", recordedAt, err)
		}
		r.RecordedAt = ts
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return records, nil
}
