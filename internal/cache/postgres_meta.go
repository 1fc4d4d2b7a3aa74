package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresMeta 连接共享 Postgres，适合多实例共用同一对象存储数据层的部署。
func NewPostgresMeta(ctx context.Context, dsn string) (MetaTier, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	meta := &postgresMeta{pool: pool}
	if err := meta.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return meta, nil
}

type postgresMeta struct {
	pool *pgxpool.Pool
}

func (m *postgresMeta) Name() string { return "postgres" }

func (m *postgresMeta) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS model_cache_store_info (
			name TEXT PRIMARY KEY,
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS model_cache_metadata (
			key TEXT PRIMARY KEY,
			total_size BIGINT NOT NULL,
			digest TEXT NOT NULL DEFAULT '',
			complete BOOLEAN NOT NULL DEFAULT FALSE,
			verified_at BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, migration := range migrations {
		if _, err := m.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, migration)
		}
	}

	var version int
	err := m.pool.QueryRow(ctx, `SELECT version FROM model_cache_store_info WHERE name = $1`, StoreName).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := m.pool.Exec(ctx,
			`INSERT INTO model_cache_store_info (name, version) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			StoreName, StoreVersion,
		); err != nil {
			return fmt.Errorf("record store version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read store version: %w", err)
	case version != StoreVersion:
		return fmt.Errorf("%w: %s v%d, expected v%d", ErrSchemaMismatch, StoreName, version, StoreVersion)
	}
	return nil
}

func (m *postgresMeta) Load(ctx context.Context, key ResourceKey) (Metadata, error) {
	var (
		meta       Metadata
		verifiedAt int64
	)
	err := m.pool.QueryRow(ctx,
		`SELECT total_size, digest, complete, verified_at FROM model_cache_metadata WHERE key = $1`,
		string(key),
	).Scan(&meta.TotalSize, &meta.Digest, &meta.Complete, &verifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, err
	}
	meta.VerifiedAt = fromUnixMilli(verifiedAt)
	return meta, nil
}

func (m *postgresMeta) Save(ctx context.Context, key ResourceKey, meta Metadata) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO model_cache_metadata (key, total_size, digest, complete, verified_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			total_size = EXCLUDED.total_size,
			digest = EXCLUDED.digest,
			complete = EXCLUDED.complete,
			verified_at = EXCLUDED.verified_at,
			updated_at = EXCLUDED.updated_at`,
		string(key), meta.TotalSize, meta.Digest, meta.Complete, toUnixMilli(meta.VerifiedAt), time.Now().UTC(),
	)
	return err
}

func (m *postgresMeta) Delete(ctx context.Context, key ResourceKey) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM model_cache_metadata WHERE key = $1`, string(key))
	return err
}

func (m *postgresMeta) Close() error {
	m.pool.Close()
	return nil
}
