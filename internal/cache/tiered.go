package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DataTier 保存原始字节。实现必须在条目不存在时返回 ErrNotFound。
type DataTier interface {
	Name() string
	Read(ctx context.Context, key ResourceKey) ([]byte, error)
	Write(ctx context.Context, key ResourceKey, data []byte) error
	// WriteAt 截断到 offset 后写入 chunk；offset 超过现有长度时返回错误。
	WriteAt(ctx context.Context, key ResourceKey, offset int64, chunk []byte) error
	Remove(ctx context.Context, key ResourceKey) error
	Close() error
}

// MetaTier 保存 Metadata。实现必须在记录不存在时返回 ErrNotFound。
type MetaTier interface {
	Name() string
	Load(ctx context.Context, key ResourceKey) (Metadata, error)
	Save(ctx context.Context, key ResourceKey, meta Metadata) error
	Delete(ctx context.Context, key ResourceKey) error
	Close() error
}

// NewTieredStore 组合数据层与元数据层。
func NewTieredStore(data DataTier, meta MetaTier) Store {
	return &tieredStore{
		data:  data,
		meta:  meta,
		locks: make(map[ResourceKey]*entryLock),
	}
}

// tieredStore 通过 entryLock 保证同一 key 的两层写入不会交错。
type tieredStore struct {
	data DataTier
	meta MetaTier

	mu    sync.Mutex
	locks map[ResourceKey]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *tieredStore) Get(ctx context.Context, key ResourceKey) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.lockEntry(key)
	defer unlock()

	data, err := s.data.Read(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("data tier read", err)
	}

	meta, err := s.meta.Load(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		// 数据先于元数据写入，崩溃后可能只剩数据。
		meta = Metadata{TotalSize: UnknownSize}
	default:
		return nil, unavailable("meta tier load", err)
	}

	entry := &Entry{Key: key, Data: data, Metadata: meta}
	if meta.Complete && !entry.Consistent() {
		entry.Metadata.Complete = false
		entry.Metadata.Digest = ""
	}
	return entry, nil
}

func (s *tieredStore) Put(ctx context.Context, key ResourceKey, data []byte, meta Metadata) error {
	unlock := s.lockEntry(key)
	defer unlock()

	if err := s.data.Write(ctx, key, data); err != nil {
		return unavailable("data tier write", err)
	}
	if err := s.meta.Save(ctx, key, meta); err != nil {
		return unavailable("meta tier save", err)
	}
	return nil
}

func (s *tieredStore) Append(ctx context.Context, key ResourceKey, offset int64, chunk []byte, meta Metadata) error {
	if offset < 0 {
		return fmt.Errorf("negative append offset %d", offset)
	}
	unlock := s.lockEntry(key)
	defer unlock()

	if err := s.data.WriteAt(ctx, key, offset, chunk); err != nil {
		return unavailable("data tier append", err)
	}
	if f, ok := s.data.(flusher); ok && meta.Complete {
		if err := f.Flush(ctx, key); err != nil {
			return unavailable("data tier flush", err)
		}
	}
	if err := s.meta.Save(ctx, key, meta); err != nil {
		return unavailable("meta tier save", err)
	}
	return nil
}

func (s *tieredStore) Delete(ctx context.Context, key ResourceKey) error {
	unlock := s.lockEntry(key)
	defer unlock()

	if err := s.data.Remove(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return unavailable("data tier remove", err)
	}
	if err := s.meta.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return unavailable("meta tier delete", err)
	}
	return nil
}

func (s *tieredStore) Backends() (string, string) {
	return s.data.Name(), s.meta.Name()
}

func (s *tieredStore) Close() error {
	return errors.Join(s.data.Close(), s.meta.Close())
}

func (s *tieredStore) lockEntry(key ResourceKey) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// spliceAt 用于不支持随机写的后端：截断到 offset 后拼接 chunk。
func spliceAt(existing []byte, offset int64, chunk []byte) ([]byte, error) {
	if offset > int64(len(existing)) {
		return nil, fmt.Errorf("append offset %d beyond stored length %d", offset, len(existing))
	}
	merged := make([]byte, 0, offset+int64(len(chunk)))
	merged = append(merged, existing[:offset]...)
	return append(merged, chunk...), nil
}
