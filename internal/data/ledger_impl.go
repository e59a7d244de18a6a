// Package data is the upload ledger: a single sqlite table recording which
// event clips have been durably uploaded. The agent trusts it across
// restarts, so rows are written only after the remote write succeeded.
package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Open opens (creating if needed) the ledger database file. Connections
// are capped at one so every statement is serialized through a single
// writer, which sidesteps SQLITE_BUSY under concurrent stage access.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return db, nil
}

type EventModel struct {
	DB DBTX
}

// Upsert records an uploaded event. Re-recording an id overwrites the
// remote path and upload time, which keeps a listener/reconciler double
// upload harmless.
func (m EventModel) Upsert(ctx context.Context, ev BackedUpEvent) error {
	query := `
		INSERT INTO events (id, type, camera_id, start_ts, end_ts, remote_path, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_path = excluded.remote_path,
			uploaded_at = excluded.uploaded_at`

	_, err := m.DB.ExecContext(ctx, query,
		ev.ID, ev.Type, ev.CameraID,
		ev.Start.UnixMilli(), ev.End.UnixMilli(),
		ev.RemotePath, storedMilli(ev.UploadedAt))
	return err
}

// Has reports whether an event id is already in the ledger.
func (m EventModel) Has(ctx context.Context, id string) (bool, error) {
	var one int
	err := m.DB.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns one ledger row.
func (m EventModel) Get(ctx context.Context, id string) (*BackedUpEvent, error) {
	row := m.DB.QueryRowContext(ctx, `
		SELECT id, type, camera_id, start_ts, end_ts, remote_path, uploaded_at
		FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// IDs returns every event id in the ledger. The table is bounded by the
// retention window, so this stays small.
func (m EventModel) IDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT id FROM events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Expired returns rows whose event ended strictly before cutoff, oldest
// first. An event ending exactly at the cutoff is kept for the next pass.
func (m EventModel) Expired(ctx context.Context, cutoff time.Time) ([]BackedUpEvent, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, type, camera_id, start_ts, end_ts, remote_path, uploaded_at
		FROM events WHERE end_ts < ? ORDER BY end_ts ASC`, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BackedUpEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// Delete removes one row.
func (m EventModel) Delete(ctx context.Context, id string) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Count returns the number of ledger rows.
func (m EventModel) Count(ctx context.Context) (int64, error) {
	var n int64
	err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*BackedUpEvent, error) {
	var ev BackedUpEvent
	var startMs, endMs, uploadedMs int64
	if err := s.Scan(&ev.ID, &ev.Type, &ev.CameraID, &startMs, &endMs, &ev.RemotePath, &uploadedMs); err != nil {
		return nil, err
	}
	ev.Start = time.UnixMilli(startMs).UTC()
	ev.End = time.UnixMilli(endMs).UTC()
	if uploadedMs != 0 {
		ev.UploadedAt = time.UnixMilli(uploadedMs).UTC()
	}
	return &ev, nil
}

// storedMilli maps the zero time onto 0 so skip-missing placeholder rows
// round-trip as "never uploaded".
func storedMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
