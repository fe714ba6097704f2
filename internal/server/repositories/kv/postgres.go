package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophtrust/internal/dbx"
)

// PostgresStore keeps scalars in kv_entries and lists in kv_lists /
// kv_list_items. Expiry is computed with the database clock so that all
// instances agree on it.
type PostgresStore struct {
	db dbx.DBTX
}

func NewPostgresStore(db dbx.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	query := `
		SELECT value FROM kv_entries
		WHERE key = $1 AND expires_at > now()
	`
	var value string
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("db error: %w", err)
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	query := `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value, ttl.Milliseconds()); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, now() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE kv_entries.expires_at <= now()
	`
	res, err := s.db.ExecContext(ctx, query, key, value, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

// Append relies on the row lock taken by the kv_lists upsert to serialize
// concurrent appends to the same key. An expired list restarts at 1; stale
// items above the new length are overwritten or hidden by List.
func (s *PostgresStore) Append(ctx context.Context, key, value string, ttl time.Duration) (int64, error) {
	query := `
		WITH list AS (
			INSERT INTO kv_lists (key, length, expires_at)
			VALUES ($1, 1, now() + $3::bigint * interval '1 millisecond')
			ON CONFLICT (key) DO UPDATE
			SET length = CASE WHEN kv_lists.expires_at <= now() THEN 1 ELSE kv_lists.length + 1 END,
			    expires_at = EXCLUDED.expires_at
			RETURNING length
		)
		INSERT INTO kv_list_items (key, seq, value)
		SELECT $1, length, $2 FROM list
		ON CONFLICT (key, seq) DO UPDATE SET value = EXCLUDED.value
		RETURNING seq
	`
	var seq int64
	if err := s.db.QueryRowContext(ctx, query, key, value, ttl.Milliseconds()).Scan(&seq); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) List(ctx context.Context, key string) ([]string, error) {
	query := `
		SELECT i.value
		FROM kv_list_items i
		JOIN kv_lists l ON l.key = i.key
		WHERE i.key = $1 AND l.expires_at > now() AND i.seq <= l.length
		ORDER BY i.seq
	`
	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return values, nil
}

func (s *PostgresStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	queries := []string{
		`UPDATE kv_entries SET expires_at = now() + $2::bigint * interval '1 millisecond'
		 WHERE key = $1 AND expires_at > now()`,
		`UPDATE kv_lists SET expires_at = now() + $2::bigint * interval '1 millisecond'
		 WHERE key = $1 AND expires_at > now()`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q, key, ttl.Milliseconds()); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	queries := []string{
		`DELETE FROM kv_entries WHERE key = $1`,
		`DELETE FROM kv_lists WHERE key = $1`,
		`DELETE FROM kv_list_items WHERE key = $1`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q, key); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	queries := []string{
		`DELETE FROM kv_entries WHERE expires_at <= now()`,
		`DELETE FROM kv_list_items i USING kv_lists l
		 WHERE i.key = l.key AND l.expires_at <= now()`,
		`DELETE FROM kv_lists WHERE expires_at <= now()`,
	}
	var total int64
	for _, q := range queries {
		res, err := s.db.ExecContext(ctx, q)
		if err != nil {
			return total, fmt.Errorf("db error: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}
