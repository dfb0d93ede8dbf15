// Package local is the on-device profile store: the four profile sections
// and the raw workout, meal and measurement records, kept in SQLite.
package local

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/johndauphine/fitsync-migrate/internal/profile"
)

// Store manages the local profile database
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the local store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sections (
		kind TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		data TEXT,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_kind_time ON records(kind, recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// HasLocalData reports whether any profile section or raw record exists.
func (s *Store) HasLocalData(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM sections) + (SELECT COUNT(*) FROM records)
	`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking local data: %w", err)
	}
	return n > 0, nil
}

// LoadSection returns the stored section of the given kind, or nil if absent.
func (s *Store) LoadSection(ctx context.Context, kind profile.Kind) (profile.Section, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sections WHERE kind = ?`, string(kind)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", kind, err)
	}
	return profile.Decode(kind, []byte(data))
}

// SaveSection writes a section, assigning an id and creation time when missing.
func (s *Store) SaveSection(ctx context.Context, sec profile.Section) error {
	meta := sec.Metadata()
	now := s.now().UTC()
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = now
	}
	if meta.Version == 0 {
		meta.Version = 1
	}
	if meta.SyncStatus == "" {
		meta.SyncStatus = profile.SyncPending
	}
	if meta.Source == "" {
		meta.Source = profile.SourceLocal
	}

	data, err := json.Marshal(sec)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", sec.Kind(), err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sections (kind, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, string(sec.Kind()), string(data), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving %s: %w", sec.Kind(), err)
	}
	return nil
}

// PutRecord inserts or replaces a raw record. The payload must be valid JSON.
func (s *Store) PutRecord(ctx context.Context, rec profile.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	var payload sql.NullString
	if len(rec.Data) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, rec.Data); err != nil {
			return fmt.Errorf("record %s/%s: invalid payload: %w", rec.Kind, rec.ID, err)
		}
		payload = sql.NullString{String: buf.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (kind, id, recorded_at, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			recorded_at = excluded.recorded_at,
			data = excluded.data
	`, string(rec.Kind), rec.ID, rec.RecordedAt.UTC().Format(time.RFC3339Nano), payload)
	if err != nil {
		return fmt.Errorf("saving record %s/%s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

// Records returns the records of one kind ordered by time.
func (s *Store) Records(ctx context.Context, kind profile.RecordKind) ([]profile.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, id, recorded_at, data FROM records
		WHERE kind = ?
		ORDER BY recorded_at, id
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", kind, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// RecordCounts returns the number of raw records per kind.
func (s *Store) RecordCounts(ctx context.Context) (map[profile.RecordKind]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM records GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}
	defer rows.Close()

	counts := make(map[profile.RecordKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[profile.RecordKind(kind)] = n
	}
	return counts, rows.Err()
}

// ExportAll reads every section and record in one transaction.
func (s *Store) ExportAll(ctx context.Context) (*profile.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning export: %w", err)
	}
	defer tx.Rollback()

	snap := profile.NewSnapshot(s.now().UTC())

	rows, err := tx.QueryContext(ctx, `SELECT kind, data FROM sections ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("exporting sections: %w", err)
	}
	for rows.Next() {
		var kind, data string
		if err := rows.Scan(&kind, &data); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Sections[profile.Kind(kind)] = json.RawMessage(data)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recRows, err := tx.QueryContext(ctx, `SELECT kind, id, recorded_at, data FROM records ORDER BY kind, recorded_at, id`)
	if err != nil {
		return nil, fmt.Errorf("exporting records: %w", err)
	}
	recs, err := scanRecords(recRows)
	recRows.Close()
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		snap.Records[r.Kind] = append(snap.Records[r.Kind], r)
	}

	return snap, nil
}

// ImportAll replaces the entire store with the snapshot contents.
// Section payloads are stored exactly as given.
func (s *Store) ImportAll(ctx context.Context, snap *profile.Snapshot) error {
	if snap == nil {
		return errors.New("importing: nil snapshot")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning import: %w", err)
	}
	defer tx.Rollback()

	if err := clearTx(ctx, tx); err != nil {
		return err
	}

	stamp := s.now().UTC().Format(time.RFC3339Nano)
	for kind, data := range snap.Sections {
		if _, err := profile.ParseKind(string(kind)); err != nil {
			return fmt.Errorf("importing: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sections (kind, data, updated_at) VALUES (?, ?, ?)`,
			string(kind), string(data), stamp); err != nil {
			return fmt.Errorf("importing %s: %w", kind, err)
		}
	}
	for kind, recs := range snap.Records {
		for _, r := range recs {
			var payload sql.NullString
			if len(r.Data) > 0 {
				payload = sql.NullString{String: string(r.Data), Valid: true}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO records (kind, id, recorded_at, data) VALUES (?, ?, ?, ?)`,
				string(kind), r.ID, r.RecordedAt.UTC().Format(time.RFC3339Nano), payload); err != nil {
				return fmt.Errorf("importing record %s/%s: %w", kind, r.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing import: %w", err)
	}
	return nil
}

// Clear deletes all sections and records.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning clear: %w", err)
	}
	defer tx.Rollback()

	if err := clearTx(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func clearTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sections`); err != nil {
		return fmt.Errorf("clearing sections: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("clearing records: %w", err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]profile.Record, error) {
	var out []profile.Record
	for rows.Next() {
		var (
			kind, id, at string
			data         sql.NullString
		)
		if err := rows.Scan(&kind, &id, &at, &data); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("record %s/%s: bad timestamp %q: %w", kind, id, at, err)
		}
		rec := profile.Record{ID: id, Kind: profile.RecordKind(kind), RecordedAt: ts}
		if data.Valid {
			rec.Data = json.RawMessage(data.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
