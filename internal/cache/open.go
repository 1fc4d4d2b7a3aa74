package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	BackendFS       = "fs"
	BackendS3       = "s3"
	BackendMinio    = "minio"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options 汇总两层后端的选择与连接参数，由 config 映射而来。
type Options struct {
	DataBackend string
	MetaBackend string

	// BasePath 为 fs 数据层根目录，同时是 SQLitePath 的默认位置。
	BasePath    string
	SQLitePath  string
	PostgresDSN string

	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Open 按 Options 构建数据层与元数据层；任一层失败时关闭已打开的一层。
func Open(ctx context.Context, opts Options) (Store, error) {
	data, err := openData(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open data tier: %w", err)
	}
	meta, err := openMeta(ctx, opts)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("open meta tier: %w", err)
	}
	return NewTieredStore(data, meta), nil
}

func openData(ctx context.Context, opts Options) (DataTier, error) {
	switch normalizeBackend(opts.DataBackend, BackendFS) {
	case BackendFS:
		return NewFSData(filepath.Join(opts.BasePath, "shards"))
	case BackendS3:
		remote, err := NewS3Data(ctx, S3Options{
			Bucket:    opts.Bucket,
			Prefix:    opts.Prefix,
			Region:    opts.Region,
			Endpoint:  opts.Endpoint,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return NewSpooledData(remote, spoolPath(opts))
	case BackendMinio:
		remote, err := NewMinioData(ctx, MinioOptions{
			Endpoint:  opts.Endpoint,
			Bucket:    opts.Bucket,
			Prefix:    opts.Prefix,
			Region:    opts.Region,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
			UseSSL:    opts.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return NewSpooledData(remote, spoolPath(opts))
	case BackendMemory:
		return NewMemoryData(), nil
	default:
		return nil, fmt.Errorf("unsupported data backend %q", opts.DataBackend)
	}
}

func openMeta(ctx context.Context, opts Options) (MetaTier, error) {
	switch normalizeBackend(opts.MetaBackend, BackendSQLite) {
	case BackendSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = filepath.Join(opts.BasePath, "metadata.db")
		}
		return NewSQLiteMeta(ctx, path)
	case BackendPostgres:
		return NewPostgresMeta(ctx, opts.PostgresDSN)
	case BackendMemory:
		return NewMemoryMeta(), nil
	default:
		return nil, fmt.Errorf("unsupported meta backend %q", opts.MetaBackend)
	}
}

// spoolPath 是对象存储分段写入的本地暂存目录。
func spoolPath(opts Options) string {
	base := opts.BasePath
	if base == "" {
		base = "."
	}
	return filepath.Join(base, "spool")
}

func normalizeBackend(raw, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return fallback
	}
	return normalized
}
