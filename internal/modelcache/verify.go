package modelcache

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/any-hub/model-hub/internal/cache"
	"github.com/any-hub/model-hub/internal/digest"
)

// verifier 记录本进程内已经校验过的摘要，避免对同一条目重复计算哈希。
// 它只是优化：进程重启后全部失效，需要重新校验。
type verifier struct {
	mu       sync.RWMutex
	verified map[cache.ResourceKey]string
	group    singleflight.Group
	hashed   atomic.Int64
}

func newVerifier() *verifier {
	return &verifier{verified: make(map[cache.ResourceKey]string)}
}

// check 判断 complete 条目是否可信。并发的相同校验只会计算一次哈希。
func (v *verifier) check(entry *cache.Entry) bool {
	if !entry.Consistent() {
		return false
	}
	expected := entry.Metadata.Digest

	v.mu.RLock()
	known, ok := v.verified[entry.Key]
	v.mu.RUnlock()
	if ok && known == expected {
		return true
	}

	flightKey := entry.Key.String() + "\x00" + expected
	value, _, _ := v.group.Do(flightKey, func() (interface{}, error) {
		v.hashed.Add(1)
		return digest.Matches(entry.Data, expected), nil
	})
	valid, _ := value.(bool)
	if valid {
		v.remember(entry.Key, expected)
	}
	return valid
}

func (v *verifier) remember(key cache.ResourceKey, sum string) {
	v.mu.Lock()
	v.verified[key] = sum
	v.mu.Unlock()
}

func (v *verifier) forget(key cache.ResourceKey) {
	v.mu.Lock()
	delete(v.verified, key)
	v.mu.Unlock()
}

func (v *verifier) hashCount() int64 {
	return v.hashed.Load()
}
