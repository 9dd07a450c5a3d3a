package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS saved_artifacts (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	generated_code TEXT NOT NULL,
	output         TEXT NOT NULL DEFAULT '',
	xml            TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_saved_artifacts_user ON saved_artifacts (user_id, created_at DESC);
`

// PostgresStore keeps records in PostgreSQL. Like SQLiteStore it ignores the
// bearer token.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (p *PostgresStore) Close() { p.pool.Close() }

// Save implements Store.
func (p *PostgresStore) Save(ctx context.Context, _ string, rec Record) (Record, error) {
	if rec.UserID == "" {
		return Record{}, fmt.Errorf("%w: empty user id", ErrRejected)
	}
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO saved_artifacts (id, user_id, generated_code, output, xml)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		rec.ID, rec.UserID, rec.GeneratedCode, rec.Output, rec.XML).Scan(&rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("store: insert %s: %w", rec.ID, err)
	}
	return rec, nil
}

// List implements Store.
func (p *PostgresStore) List(ctx context.Context, _ string, userID string) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, user_id, generated_code, output, xml, created_at
		 FROM saved_artifacts WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", userID, err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.ID, &r.UserID, &r.GeneratedCode, &r.Output, &r.XML, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan: %w", err)
	}
	return recs, nil
}

// Get implements Store.
func (p *PostgresStore) Get(ctx context.Context, _ string, id string) (Record, error) {
	var r Record
	err := p.pool.QueryRow(ctx,
		`SELECT id, user_id, generated_code, output, xml, created_at
		 FROM saved_artifacts WHERE id = $1`, id).
		Scan(&r.ID, &r.UserID, &r.GeneratedCode, &r.Output, &r.XML, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	return r, nil
}
