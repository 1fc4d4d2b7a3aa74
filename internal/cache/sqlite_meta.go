package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// NewSQLiteMeta 打开（必要时创建）SQLite 元数据库，并校验 store name/version。
func NewSQLiteMeta(ctx context.Context, dbPath string) (MetaTier, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	meta := &sqliteMeta{db: db}
	if err := meta.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return meta, nil
}

type sqliteMeta struct {
	db *sql.DB
}

func (m *sqliteMeta) Name() string { return "sqlite" }

func (m *sqliteMeta) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS store_info (
			name TEXT PRIMARY KEY,
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			total_size INTEGER NOT NULL,
			digest TEXT NOT NULL DEFAULT '',
			complete INTEGER NOT NULL DEFAULT 0,
			verified_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, migration := range migrations {
		if _, err := m.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, migration)
		}
	}

	var version int
	err := m.db.QueryRowContext(ctx, `SELECT version FROM store_info WHERE name = ?`, StoreName).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := m.db.ExecContext(ctx, `INSERT INTO store_info (name, version) VALUES (?, ?)`, StoreName, StoreVersion); err != nil {
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

func (m *sqliteMeta) Load(ctx context.Context, key ResourceKey) (Metadata, error) {
	var (
		meta       Metadata
		complete   int
		verifiedAt int64
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT total_size, digest, complete, verified_at FROM metadata WHERE key = ?`,
		string(key),
	).Scan(&meta.TotalSize, &meta.Digest, &complete, &verifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, err
	}
	meta.Complete = complete != 0
	meta.VerifiedAt = fromUnixMilli(verifiedAt)
	return meta, nil
}

func (m *sqliteMeta) Save(ctx context.Context, key ResourceKey, meta Metadata) error {
	complete := 0
	if meta.Complete {
		complete = 1
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO metadata (key, total_size, digest, complete, verified_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			total_size = excluded.total_size,
			digest = excluded.digest,
			complete = excluded.complete,
			verified_at = excluded.verified_at,
			updated_at = excluded.updated_at`,
		string(key), meta.TotalSize, meta.Digest, complete, toUnixMilli(meta.VerifiedAt), time.Now().UnixMilli(),
	)
	return err
}

func (m *sqliteMeta) Delete(ctx context.Context, key ResourceKey) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, string(key))
	return err
}

func (m *sqliteMeta) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

func toUnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
