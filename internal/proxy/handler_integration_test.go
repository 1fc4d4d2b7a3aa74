package proxy

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/model-hub/internal/byterange"
	"github.com/any-hub/model-hub/internal/cache"
	"github.com/any-hub/model-hub/internal/digest"
	"github.com/any-hub/model-hub/internal/fetcher"
	"github.com/any-hub/model-hub/internal/modelcache"
)

func TestProxyCachesShardThroughOrchestrator(t *testing.T) {
	shard := bytes.Repeat([]byte("0123456789abcdef"), 200)
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/mlc-ai/m/resolve/main/params_shard_0.bin" {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "shard.bin", time.Time{}, bytes.NewReader(shard))
	}))
	t.Cleanup(origin.Close)

	orch, err := modelcache.New(modelcache.Options{
		Store:   cache.NewMemoryStore(),
		Fetcher: fetcher.New(fetcher.Options{Client: origin.Client(), SegmentSize: 1024}),
	})
	if err != nil {
		t.Fatalf("modelcache: %v", err)
	}
	t.Cleanup(orch.Close)
	app := newProxyApp(t, origin.URL, orch)

	target := "/mlc-ai/m/resolve/main/params_shard_0.bin"
	resp, body := doRequest(t, app, http.MethodGet, target, nil, map[string]string{"Range": "bytes=100-199"})
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", resp.StatusCode)
	}
	if body != string(shard[100:200]) {
		t.Fatalf("unexpected range body")
	}
	if resp.Header.Get("X-Model-Hub-Cache-Hit") != "false" {
		t.Fatalf("first request should miss")
	}
	if resp.Header.Get(byterange.IntegrityHeader) != digest.Sum(shard) {
		t.Fatalf("integrity header mismatch: %s", resp.Header.Get(byterange.IntegrityHeader))
	}
	fetched := hits.Load()

	resp, body = doRequest(t, app, http.MethodGet, target, nil, nil)
	if resp.StatusCode != http.StatusOK || body != string(shard) {
		t.Fatalf("expected full cached body, got %d len=%d", resp.StatusCode, len(body))
	}
	if resp.Header.Get("X-Model-Hub-Cache-Hit") != "true" {
		t.Fatalf("second request should hit")
	}
	if hits.Load() != fetched {
		t.Fatalf("cached request should not reach the origin")
	}

	resp, _ = doRequest(t, app, http.MethodGet, target, nil, map[string]string{"Range": "bytes=999999-"})
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Range"), "bytes */") {
		t.Fatalf("unexpected content-range %s", resp.Header.Get("Content-Range"))
	}

	resp, _ = doRequest(t, app, http.MethodGet, "/other/readme.md", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("excluded path should pass through origin status, got %d", resp.StatusCode)
	}
}
