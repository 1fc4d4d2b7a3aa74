package fetcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/any-hub/model-hub/internal/cache"
)

// recordingStore 记录每次 Append，并可以在第 n 次调用时返回错误以模拟崩溃。
type recordingStore struct {
	cache.Store
	mu      sync.Mutex
	appends []int64
	failAt  int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Store: cache.NewMemoryStore()}
}

func (s *recordingStore) Append(ctx context.Context, key cache.ResourceKey, offset int64, chunk []byte, meta cache.Metadata) error {
	s.mu.Lock()
	s.appends = append(s.appends, offset)
	n := len(s.appends)
	s.mu.Unlock()
	if s.failAt > 0 && n == s.failAt {
		return fmt.Errorf("%w: simulated crash", cache.ErrStoreUnavailable)
	}
	return s.Store.Append(ctx, key, offset, chunk, meta)
}
