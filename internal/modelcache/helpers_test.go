package modelcache

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/model-hub/internal/cache"
	"github.com/any-hub/model-hub/internal/fetcher"
)

// testOrigin 模拟支持 Range 的模型源站，可注入闸门与失败。
type testOrigin struct {
	mu       sync.Mutex
	files    map[string][]byte
	requests []string
	failAt   int
	gate     chan struct{}
	server   *httptest.Server
}

func newTestOrigin(t *testing.T, files map[string][]byte) *testOrigin {
	t.Helper()
	o := &testOrigin{files: files}
	o.server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.server.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.requests = append(o.requests, r.URL.Path+" "+r.Header.Get("Range"))
	count := len(o.requests)
	failAt := o.failAt
	gate := o.gate
	data, ok := o.files[r.URL.Path]
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if failAt > 0 && count == failAt {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, "blob.bin", time.Time{}, bytes.NewReader(data))
}

func (o *testOrigin) url(path string) string {
	return o.server.URL + path
}

func (o *testOrigin) Requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.requests...)
}

func (o *testOrigin) setGate(gate chan struct{}) {
	o.mu.Lock()
	o.gate = gate
	o.mu.Unlock()
}

func (o *testOrigin) setFailAt(n int) {
	o.mu.Lock()
	o.failAt = n
	o.mu.Unlock()
}

func payload(size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i*31 + i/1024)
	}
	return buf
}

type cacheOptions struct {
	store       cache.Store
	segmentSize int64
	retries     int
}

func newTestCache(t *testing.T, opts cacheOptions) *Cache {
	t.Helper()
	store := opts.store
	if store == nil {
		store = cache.NewMemoryStore()
	}
	segment := opts.segmentSize
	if segment == 0 {
		segment = 1024
	}
	c, err := New(Options{
		Store:      store,
		Fetcher:    fetcher.New(fetcher.Options{SegmentSize: segment}),
		MaxRetries: opts.retries,
	})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}
