package cache

import (
	"context"
	"sync"
)

// NewMemoryData 返回进程内数据层，主要用于测试与临时部署。
func NewMemoryData() DataTier {
	return &memoryData{items: make(map[ResourceKey][]byte)}
}

type memoryData struct {
	mu    sync.RWMutex
	items map[ResourceKey][]byte
}

func (m *memoryData) Name() string { return "memory" }

func (m *memoryData) Read(ctx context.Context, key ResourceKey) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *memoryData) Write(ctx context.Context, key ResourceKey, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), data...)
	return nil
}

func (m *memoryData) WriteAt(ctx context.Context, key ResourceKey, offset int64, chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged, err := spliceAt(m.items[key], offset, chunk)
	if err != nil {
		return err
	}
	m.items[key] = merged
	return nil
}

func (m *memoryData) Remove(ctx context.Context, key ResourceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryData) Close() error { return nil }

// NewMemoryMeta 返回进程内元数据层。
func NewMemoryMeta() MetaTier {
	return &memoryMeta{items: make(map[ResourceKey]Metadata)}
}

type memoryMeta struct {
	mu    sync.RWMutex
	items map[ResourceKey]Metadata
}

func (m *memoryMeta) Name() string { return "memory" }

func (m *memoryMeta) Load(ctx context.Context, key ResourceKey) (Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.items[key]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return meta, nil
}

func (m *memoryMeta) Save(ctx context.Context, key ResourceKey, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = meta
	return nil
}

func (m *memoryMeta) Delete(ctx context.Context, key ResourceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryMeta) Close() error { return nil }

// NewMemoryStore 组合两个内存层，便于测试直接构造隔离实例。
func NewMemoryStore() Store {
	return NewTieredStore(NewMemoryData(), NewMemoryMeta())
}
