package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Opener 负责打开真实的双层存储。
type Opener func(ctx context.Context) (Store, error)

// LazyStore 在首次使用时打开后端；打开失败时所有操作返回 ErrStoreUnavailable，
// 并在 backoff 之后再次尝试，使缓存始终只是可选的加速层。
type LazyStore struct {
	open    Opener
	backoff time.Duration
	now     func() time.Time

	mu      sync.Mutex
	store   Store
	lastErr error
	lastTry time.Time
}

// NewLazyStore 构造延迟打开的存储，默认使用 time.Now 作为时钟。
func NewLazyStore(open Opener, backoff time.Duration) *LazyStore {
	if backoff <= 0 {
		backoff = time.Second
	}
	return &LazyStore{
		open:    open,
		backoff: backoff,
		now:     time.Now,
	}
}

// Ready 尝试打开后端并返回结果，启动阶段可用它提前暴露配置问题。
func (l *LazyStore) Ready(ctx context.Context) error {
	_, err := l.acquire(ctx)
	return err
}

func (l *LazyStore) acquire(ctx context.Context) (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store != nil {
		return l.store, nil
	}
	if l.open == nil {
		return nil, ErrStoreUnavailable
	}
	if !l.lastTry.IsZero() && l.now().Before(l.lastTry.Add(l.backoff)) {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, l.lastErr)
	}

	l.lastTry = l.now()
	store, err := l.open(ctx)
	if err != nil {
		l.lastErr = err
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	l.store = store
	l.lastErr = nil
	return store, nil
}

func (l *LazyStore) Get(ctx context.Context, key ResourceKey) (*Entry, error) {
	store, err := l.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, key)
}

func (l *LazyStore) Put(ctx context.Context, key ResourceKey, data []byte, meta Metadata) error {
	store, err := l.acquire(ctx)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, data, meta)
}

func (l *LazyStore) Append(ctx context.Context, key ResourceKey, offset int64, chunk []byte, meta Metadata) error {
	store, err := l.acquire(ctx)
	if err != nil {
		return err
	}
	return store.Append(ctx, key, offset, chunk, meta)
}

func (l *LazyStore) Delete(ctx context.Context, key ResourceKey) error {
	store, err := l.acquire(ctx)
	if err != nil {
		return err
	}
	return store.Delete(ctx, key)
}

// Backends 在后端未打开时返回 "unavailable"。
func (l *LazyStore) Backends() (string, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return "unavailable", "unavailable"
	}
	return l.store.Backends()
}

func (l *LazyStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return nil
	}
	err := l.store.Close()
	l.store = nil
	return err
}

// IsUnavailable 便于调用方区分“后端不可用”与其它错误。
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
