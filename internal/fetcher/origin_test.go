package fetcher

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// testOrigin 是一个可注入故障的上游桩，记录每次请求的 Range 头。
type testOrigin struct {
	t       *testing.T
	data    []byte
	ignore  bool // 忽略 Range，总是返回 200
	mu      sync.Mutex
	ranges  []string
	failAt  int // 第 failAt 次请求返回 500（从 1 开始计数），0 表示不注入
	hideLen bool
	server  *httptest.Server
}

func newTestOrigin(t *testing.T, data []byte) *testOrigin {
	t.Helper()
	o := &testOrigin{t: t, data: data}
	o.server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.server.Close)
	return o
}

func (o *testOrigin) URL() string {
	return o.server.URL + "/org/model/resolve/main/params_shard_0.bin"
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.ranges = append(o.ranges, r.Header.Get("Range"))
	count := len(o.ranges)
	failAt := o.failAt
	o.mu.Unlock()

	if failAt > 0 && count == failAt {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	if o.ignore {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(o.data)
		return
	}
	if o.hideLen {
		serveWithoutTotal(w, r, o.data)
		return
	}
	http.ServeContent(w, r, "blob.bin", time.Time{}, bytes.NewReader(o.data))
}

func (o *testOrigin) Requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.ranges...)
}

// serveWithoutTotal 返回 `bytes a-b/*`，模拟不公开总长的源站。
func serveWithoutTotal(w http.ResponseWriter, r *http.Request, data []byte) {
	var start, end int
	if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
		http.Error(w, "bad range", http.StatusBadRequest)
		return
	}
	if start >= len(data) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if end >= len(data) {
		end = len(data) - 1
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", start, end))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(data[start : end+1])
}
