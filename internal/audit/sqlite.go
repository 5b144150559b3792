package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
  id            TEXT PRIMARY KEY,
  tenant_id     TEXT NOT NULL,
  user_id       TEXT NOT NULL DEFAULT '',
  action        TEXT NOT NULL,
  resource      TEXT NOT NULL DEFAULT '',
  resource_type TEXT NOT NULL DEFAULT '',
  details       TEXT NOT NULL DEFAULT '{}',
  request_id    TEXT NOT NULL DEFAULT '',
  created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_tenant_created ON audit_entries (tenant_id, created_at);
`

// SQLiteSink appends entries to a local SQLite file. Rows are only ever inserted.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the audit database at path. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLiteSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append implements Sink.
func (s *SQLiteSink) Append(ctx context.Context, e Entry) error {
	details, err := json.Marshal(nonNil(e.Details))
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, tenant_id, user_id, action, resource, resource_type, details, request_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.UserID, e.Action, e.Resource, e.ResourceType, string(details), e.RequestID, e.Timestamp.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns a tenant's entries oldest first.
func (s *SQLiteSink) List(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, user_id, action, resource, resource_type, details, request_id, created_at
		   FROM audit_entries WHERE tenant_id = ? ORDER BY created_at, id LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			details string
			millis  int64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Action, &e.Resource, &e.ResourceType, &details, &e.RequestID, &millis); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		e.Timestamp = time.UnixMilli(millis).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
