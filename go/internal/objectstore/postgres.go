package objectstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createObjectsTable = `
CREATE TABLE IF NOT EXISTS objects (
    key         TEXT PRIMARY KEY,
    data        BYTEA NOT NULL,
    size        BIGINT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresStore keeps objects as rows in an objects table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps pool and ensures the objects table exists. The store
// takes ownership of the pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, createObjectsTable); err != nil {
		return nil, fmt.Errorf("create objects table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Upload(ctx context.Context, key string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO objects (key, data, size, updated_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (key) DO UPDATE
        SET data = EXCLUDED.data, size = EXCLUDED.size, updated_at = EXCLUDED.updated_at
    `, key, data, len(data))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM objects WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("select %s: %w", key, ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", key, err)
	}
	return data, nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT key, size, updated_at FROM objects
        WHERE starts_with(key, $1)
        ORDER BY key
    `, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []ObjectInfo
	for rows.Next() {
		var (
			info    ObjectInfo
			updated time.Time
		)
		if err := rows.Scan(&info.Key, &info.Size, &updated); err != nil {
			return nil, fmt.Errorf("scan object row: %w", err)
		}
		info.LastModified = updated
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM objects WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s: %w", key, ErrObjectNotFound)
	}
	return nil
}

func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM objects WHERE key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return exists, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
