// Package sqlite persists audit records in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/Sentinel-Gate/filtergate/internal/domain/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS access_events (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	stored_at      TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	method         TEXT NOT NULL,
	path           TEXT NOT NULL,
	status_code    TEXT NOT NULL,
	event          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS access_events_transaction ON access_events (transaction_id);
`

// AuditStore implements audit.AuditStore and audit.QueryStore on SQLite.
// Each record is stored as its JSON event plus indexed filter columns.
type AuditStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps
	// ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing audit database %s: %w", path, err)
		}
	}
	return &AuditStore{db: db}, nil
}

// Append inserts records in a single transaction.
func (s *AuditStore) Append(ctx context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning audit insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO access_events
		(id, stored_at, transaction_id, method, path, status_code, event)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing audit insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		event, err := json.Marshal(r.AccessEvent)
		if err != nil {
			return fmt.Errorf("encoding audit record %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			string(r.ID),
			r.StoredAt.UTC().Format(time.RFC3339Nano),
			r.TransactionID,
			r.HTTP.Request.Method,
			r.HTTP.Request.URLPath(),
			r.Response.StatusCode,
			string(event),
		); err != nil {
			return fmt.Errorf("inserting audit record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Flush checkpoints the write-ahead log.
func (s *AuditStore) Flush(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close closes the database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// Recent returns the n most recently stored records, newest first. Read
// failures yield an empty result.
func (s *AuditStore) Recent(n int) []audit.Record {
	if n <= 0 {
		return nil
	}
	records, err := s.query(context.Background(), "", nil, n)
	if err != nil {
		return nil
	}
	return records
}

// Query returns records matching filter, newest first.
func (s *AuditStore) Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.TransactionID != "" {
		where = append(where, "transaction_id = ?")
		args = append(args, filter.TransactionID)
	}
	if filter.Method != "" {
		where = append(where, "method = ?")
		args = append(args, strings.ToUpper(filter.Method))
	}
	if filter.StatusCode != "" {
		where = append(where, "status_code = ?")
		args = append(args, filter.StatusCode)
	}
	if filter.PathPrefix != "" {
		where = append(where, "substr(path, 1, ?) = ?")
		args = append(args, len(filter.PathPrefix), filter.PathPrefix)
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	return s.query(ctx, clause, args, filter.EffectiveLimit())
}

func (s *AuditStore) query(ctx context.Context, where string, args []any, limit int) ([]audit.Record, error) {
	q := fmt.Sprintf("SELECT id, stored_at, event FROM access_events %s ORDER BY seq DESC LIMIT ?", where)
	rows, err := s.db.QueryContext(ctx, q, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var result []audit.Record
	for rows.Next() {
		var (
			id, storedAt, event string
			rec                 audit.Record
		)
		if err := rows.Scan(&id, &storedAt, &event); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		if err := json.Unmarshal([]byte(event), &rec.AccessEvent); err != nil {
			return nil, fmt.Errorf("decoding audit record %s: %w", id, err)
		}
		rec.ID = audit.RecordID(id)
		rec.StoredAt, _ = time.Parse(time.RFC3339Nano, storedAt)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Compile-time interface verification.
var (
	_ audit.AuditStore = (*AuditStore)(nil)
	_ audit.QueryStore = (*AuditStore)(nil)
)
