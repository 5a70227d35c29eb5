// Package pg implements spool.Spool against PostgreSQL, for deployments
// that want a queryable spool index rather than bare files. Adapted from
// the repository layer's sql.DB + context-scoped query idiom.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/relaycore/kumogo/internal/spool"
)

// Spool is a Postgres-backed spool.Spool. Expects a table created by
// Migrate.
type Spool struct {
	db *sql.DB
}

func New(db *sql.DB) *Spool { return &Spool{db: db} }

// Migrate creates the spool table if it does not already exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mta_spool (
			id UUID PRIMARY KEY,
			meta JSONB,
			data BYTEA,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("pg spool: migrate: %w", err)
	}
	return nil
}

func (s *Spool) SaveMeta(ctx context.Context, id uuid.UUID, meta []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mta_spool (id, meta, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET meta = $2, updated_at = NOW()
	`, id, meta)
	if err != nil {
		return fmt.Errorf("pg spool: save meta: %w", err)
	}
	return nil
}

func (s *Spool) LoadMeta(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var meta []byte
	err := s.db.QueryRowContext(ctx, `SELECT meta FROM mta_spool WHERE id = $1`, id).Scan(&meta)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && meta == nil) {
		return nil, spool.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg spool: load meta: %w", err)
	}
	return meta, nil
}

func (s *Spool) SaveData(ctx context.Context, id uuid.UUID, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mta_spool (id, data, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET data = $2, updated_at = NOW()
	`, id, data)
	if err != nil {
		return fmt.Errorf("pg spool: save data: %w", err)
	}
	return nil
}

func (s *Spool) LoadData(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM mta_spool WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && data == nil) {
		return nil, spool.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg spool: load data: %w", err)
	}
	return data, nil
}

func (s *Spool) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mta_spool WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pg spool: remove: %w", err)
	}
	return nil
}

func (s *Spool) Enumerate(ctx context.Context, fn func(uuid.UUID) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM mta_spool`)
	if err != nil {
		return fmt.Errorf("pg spool: enumerate: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return rows.Err()
}
