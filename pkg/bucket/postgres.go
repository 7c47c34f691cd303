package bucket

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresBucket struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgres creates a bucket backed by a single key/value table in
// Postgres, so that queue and log state survives process restarts.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (Bucket, error) {
	b := &postgresBucket{
		pool:  pool,
		table: "bucket_items",
	}

	_, err := pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value JSONB NOT NULL)`, b.table,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket table: %w", err)
	}

	return b, nil
}

func (b *postgresBucket) GetItem(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	err := b.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, b.table), key,
	).Scan(&value)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket item: %w", err)
	}

	return value, nil
}

func (b *postgresBucket) SetItem(ctx context.Context, key string, value []byte) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, b.table,
	), key, value)

	if err != nil {
		return fmt.Errorf("failed to set bucket item: %w", err)
	}

	return nil
}

func (b *postgresBucket) RemoveItem(ctx context.Context, key string) error {
	_, err := b.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, b.table), key,
	)

	if err != nil {
		return fmt.Errorf("failed to remove bucket item: %w", err)
	}

	return nil
}

func (b *postgresBucket) Clear(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, b.table))
	if err != nil {
		return fmt.Errorf("failed to clear bucket: %w", err)
	}

	return nil
}

func (b *postgresBucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx,
		fmt.Sprintf(`SELECT key FROM %s ORDER BY key`, b.table),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan bucket key: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}
