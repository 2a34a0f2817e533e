// Package postgres loads voice styles from a PostgreSQL table with a
// pgvector embedding column.
//
// The schema is a single table:
//
//	voice_styles(name TEXT PRIMARY KEY, language TEXT, embedding vector(N))
//
// The table is read once at startup to build a [voice.Registry]; the
// registry never goes back to the database.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/koko/pkg/voice"
)

// Store reads and writes voice styles. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, registers pgvector types on every
// connection, and runs [Migrate] with the given embedding dimension.
func NewStore(ctx context.Context, dsn string, dim int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("voice store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("voice store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voice store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voice store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Migrate creates the voice_styles table. The vector dimension is fixed at
// creation time; changing it later needs a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("voice store migrate: invalid dimension %d", dim)
	}
	stmt := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS voice_styles (
    name       TEXT         PRIMARY KEY,
    language   TEXT         NOT NULL DEFAULT '',
    embedding  vector(%d)   NOT NULL,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`, dim)
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("voice store migrate: %w", err)
	}
	return nil
}

// Load returns every stored style ordered by name.
func (s *Store) Load(ctx context.Context) ([]voice.Style, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, language, embedding FROM voice_styles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("voice store: load: %w", err)
	}
	defer rows.Close()

	var out []voice.Style
	for rows.Next() {
		var (
			st  voice.Style
			vec pgvector.Vector
		)
		if err := rows.Scan(&st.Name, &st.Language, &vec); err != nil {
			return nil, fmt.Errorf("voice store: scan: %w", err)
		}
		st.Embedding = vec.Slice()
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("voice store: rows: %w", err)
	}
	return out, nil
}

// Upsert writes styles in one transaction, replacing rows with the same name.
func (s *Store) Upsert(ctx context.Context, styles []voice.Style) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("voice store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `
INSERT INTO voice_styles (name, language, embedding, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (name) DO UPDATE
    SET language = EXCLUDED.language, embedding = EXCLUDED.embedding, updated_at = now()`
	for _, st := range styles {
		if _, err := tx.Exec(ctx, q, st.Name, st.Language, pgvector.NewVector(st.Embedding)); err != nil {
			return fmt.Errorf("voice store: upsert %q: %w", st.Name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("voice store: commit: %w", err)
	}
	return nil
}

// LoadRegistry connects, reads all styles and builds a registry. The
// connection is closed before returning.
func LoadRegistry(ctx context.Context, dsn string, dim int) (*voice.Registry, error) {
	st, err := NewStore(ctx, dsn, dim)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	styles, err := st.Load(ctx)
	if err != nil {
		return nil, err
	}
	return voice.NewRegistry(styles)
}
