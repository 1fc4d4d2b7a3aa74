package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// UnknownSize 表示资源总长度尚未确定。
const UnknownSize int64 = -1

// ResourceKey 是规范化后的资源定位（scheme+host+path，去掉 query 与 fragment），
// 作为缓存条目的唯一身份。
type ResourceKey string

// String 返回原始字符串形式。
func (k ResourceKey) String() string {
	return string(k)
}

// Canonicalize 将任意 URL 规范化为 ResourceKey。
func Canonicalize(raw string) (ResourceKey, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse resource url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("resource url must be absolute: %q", raw)
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.RawQuery = ""
	parsed.ForceQuery = false
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.User = nil
	if parsed.Path == "" {
		parsed.Path = "/"
		parsed.RawPath = ""
	}
	return ResourceKey(parsed.String()), nil
}

// Metadata 对应元数据层的一条记录。
type Metadata struct {
	// TotalSize 为资源总字节数，UnknownSize 表示未知。
	TotalSize int64
	// Digest 为完整内容的十六进制摘要，仅在 Complete 时有意义。
	Digest string
	// Complete 表示数据层已持有完整资源。
	Complete bool
	// VerifiedAt 为最近一次摘要校验成功的时间，仅供参考。
	VerifiedAt time.Time
}

// Entry 组合数据层与元数据层的内容。Data 可能只是资源前缀（下载中）。
type Entry struct {
	Key      ResourceKey
	Data     []byte
	Metadata Metadata
}

// Consistent 判断 complete 标记是否与数据长度、摘要一致。
func (e *Entry) Consistent() bool {
	if e == nil || !e.Metadata.Complete {
		return false
	}
	return e.Metadata.Digest != "" && int64(len(e.Data)) == e.Metadata.TotalSize
}

// Store 是双层存储对外的统一接口。
type Store interface {
	// Get 返回条目；数据层没有记录时返回 ErrNotFound。
	Get(ctx context.Context, key ResourceKey) (*Entry, error)

	// Put 覆盖写入两层，调用方视为单次逻辑写入。
	Put(ctx context.Context, key ResourceKey, data []byte, meta Metadata) error

	// Append 将 chunk 写到 offset 处（丢弃 offset 之后的旧字节），并更新元数据。
	// 下载器用它逐段持久化进度。
	Append(ctx context.Context, key ResourceKey, offset int64, chunk []byte, meta Metadata) error

	// Delete 同时删除两层记录，幂等。
	Delete(ctx context.Context, key ResourceKey) error

	// Backends 返回数据层/元数据层的实现名称，供诊断输出。
	Backends() (data string, meta string)

	Close() error
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")

	// ErrStoreUnavailable 表示持久化后端无法打开或使用，调用方应绕过缓存。
	ErrStoreUnavailable = errors.New("cache store unavailable")

	// ErrSchemaMismatch 表示元数据层记录的 store name/version 与当前程序不一致。
	ErrSchemaMismatch = errors.New("cache store schema mismatch")
)

const (
	// StoreName/StoreVersion 在初始化元数据层时写入，用于识别存储格式。
	StoreName    = "model-cache"
	StoreVersion = 1
)
