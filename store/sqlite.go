package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS saved_artifacts (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	generated_code TEXT NOT NULL,
	output         TEXT NOT NULL DEFAULT '',
	xml            TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saved_artifacts_user ON saved_artifacts(user_id, created_at);
`

// SQLiteStore keeps records in a local SQLite database. The bearer token is
// not needed locally and is ignored.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. ":memory:" is limited to one connection so every query sees the
// same database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, _ string, rec Record) (Record, error) {
	if rec.UserID == "" {
		return Record{}, fmt.Errorf("%w: empty user id", ErrRejected)
	}
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO saved_artifacts (id, user_id, generated_code, output, xml, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.GeneratedCode, rec.Output, rec.XML, rec.CreatedAt.UnixMilli())
	if err != nil {
		return Record{}, fmt.Errorf("store: insert %s: %w", rec.ID, err)
	}
	return rec, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, _ string, userID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, generated_code, output, xml, created_at
		 FROM saved_artifacts WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", userID, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			r  Record
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.GeneratedCode, &r.Output, &r.XML, &ms); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		r.CreatedAt = time.UnixMilli(ms).UTC()
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, _ string, id string) (Record, error) {
	var (
		r  Record
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, generated_code, output, xml, created_at
		 FROM saved_artifacts WHERE id = ?`, id).
		Scan(&r.ID, &r.UserID, &r.GeneratedCode, &r.Output, &r.XML, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	r.CreatedAt = time.UnixMilli(ms).UTC()
	return r, nil
}
