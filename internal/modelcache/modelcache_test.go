package modelcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/model-hub/internal/byterange"
	"github.com/any-hub/model-hub/internal/cache"
	"github.com/any-hub/model-hub/internal/digest"
	"github.com/any-hub/model-hub/internal/fetcher"
)

const shardPath = "/mlc-ai/model/resolve/main/params_shard_0.bin"

func TestServeEndToEndSegmentedThenRange(t *testing.T) {
	const mib = 1 << 20
	data := payload(3 * mib)
	origin := newTestOrigin(t, map[string][]byte{shardPath: data})

	store, err := cache.Open(context.Background(), cache.Options{BasePath: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	c := newTestCache(t, cacheOptions{store: store, segmentSize: mib})
	ctx := context.Background()

	first, err := c.Serve(ctx, Request{URL: origin.url(shardPath)})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, first.Status)
	require.False(t, first.CacheHit)
	require.Equal(t, data, first.Body)
	require.Equal(t, "3145728", first.Header.Get("Content-Length"))
	require.Equal(t, []string{
		shardPath + " bytes=0-1048575",
		shardPath + " bytes=1048576-2097151",
		shardPath + " bytes=2097152-3145727",
	}, origin.Requests())

	entry, err := store.Get(ctx, first.Key)
	require.NoError(t, err)
	require.True(t, entry.Metadata.Complete)
	require.Equal(t, digest.Sum(data), entry.Metadata.Digest)
	require.False(t, entry.Metadata.VerifiedAt.IsZero())

	second, err := c.Serve(ctx, Request{URL: origin.url(shardPath), Range: "bytes=1048576-2097151"})
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.Equal(t, http.StatusPartialContent, second.Status)
	require.Equal(t, data[mib:2*mib], second.Body)
	require.Equal(t, "bytes 1048576-2097151/3145728", second.Header.Get("Content-Range"))
	require.Equal(t, digest.Sum(data), second.Header.Get(byterange.IntegrityHeader))
	require.Len(t, origin.Requests(), 3, "range request must be served from cache")
}

func TestServeResumesFromPersistedPrefix(t *testing.T) {
	data := payload(4096)
	origin := newTestOrigin(t, map[string][]byte{shardPath: data})
	store := cache.NewMemoryStore()
	c := newTestCache(t, cacheOptions{store: store})
	ctx := context.Background()

	key, err := cache.Canonicalize(origin.url(shardPath))
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, key, 0, data[:2048], cache.Metadata{TotalSize: 4096}))

	resp, err := c.Serve(ctx, Request{URL: origin.url(shardPath) + "?download=true"})
	require.NoError(t, err)
	require.Equal(t, data, resp.Body)
	require.Equal(t, []string{
		shardPath + " bytes=2048-3071",
		shardPath + " bytes=3072-4095",
	}, origin.Requests())
}

func TestServeEvictsCorruptEntryAndRefetches(t *testing.T) {
	data := payload(3000)
	origin := newTestOrigin(t, map[string][]byte{shardPath: data})
	store := cache.NewMemoryStore()
	c := newTestCache(t, cacheOptions{store: store})
	ctx := context.Background()

	key, err := cache.Canonicalize(origin.url(shardPath))
	require.NoError(t, err)
	corrupt := append([]byte(nil), data...)
	corrupt[1500] ^= 0xff
	require.NoError(t, store.Put(ctx, key, corrupt, cache.Metadata{
		TotalSize: int64(len(data)),
		Digest:    digest.Sum(data),
		Complete:  true,
	}))

	resp, err := c.Serve(ctx, Request{URL: origin.url(shardPath)})
	require.NoError(t, err)
	require.False(t, resp.CacheHit)
	require.Equal(t, data, resp.Body)
	require.NotEmpty(t, origin.Requests())

	entry, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, data, entry.Data)
	require.True(t, entry.Consistent())
}

func TestServeSingleFlightForConcurrentMisses(t *testing.T) {
	data := payload(2500)
	origin := newTestOrigin(t, map[string][]byte{shardPath: data})
	gate := make(chan struct{})
	origin.setGate(gate)
	c := newTestCache(t, cacheOptions{})

	var wg sync.WaitGroup
	results := make([]*Response, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Serve(context.Background(), Request{URL: origin.url(shardPath)})
		}()
	}

	require.Eventually(t, func() bool {
		sessions := c.Sessions()
		return len(sessions) == 1 && sessions[0].Subscribers == 2
	}, 5*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, data, results[i].Body)
	}
	require.Len(t, origin.Requests(), 3, "one download sequence of three segments")
}

func TestServeRetriesTransportErrorFromOffset(t *testing.T) {
	data := payload(3072)
	origin := newTestOrigin(t, map[string][]byte{shardPath: data})
	origin.setFailAt(2)
	c := newTestCache(t, cacheOptions{retries: 1})

	resp, err := c.Serve(context.Background(), Request{URL: origin.url(shardPath)})
	require.NoError(t, err)
	require.Equal(t, data, resp.Body)
	require.Equal(t, []string{
		shardPath + " bytes=0-1023",
		shardPath + " bytes=1024-2047",
		shardPath + " bytes=1024-2047",
		shardPath + " bytes=2048-3071",
	}, origin.Requests())
}

func TestServeSurfacesTransportErrorWithoutRetries(t *testing.T) {
	origin := newTestOrigin(t, map[string][]byte{shardPath: payload(3072)})
	origin.setFailAt(2)
	store := cache.NewMemoryStore()
	c := newTestCache(t, cacheOptions{store: store})

	_, err := c.Serve(context.Background(), Request{URL: origin.url(shardPath)})
	var transportErr *fetcher.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.StatusBadGateway, transportErr.Status)

	key, _ := cache.Canonicalize(origin.url(shardPath))
	entry, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, entry.Data, 1024, "progress before the failure is kept")
	require.False(t, entry.Metadata.Complete)
}

func TestServePassesThroughWhenStoreUnavailable(t *testing.T) {
	data := payload(100)
	origin := newTestOrigin(t, map[string][]byte{shardPath: data})
	lazy := cache.NewLazyStore(func(ctx context.Context) (cache.Store, error) {
		return nil, errors.New("disk offline")
	}, time.Hour)
	c := newTestCache(t, cacheOptions{store: lazy})

	resp, err := c.Serve(context.Background(), Request{URL: origin.url(shardPath), Range: "bytes=10-19"})
	require.NoError(t, err)
	defer resp.Close()
	require.True(t, resp.Passthrough)
	require.Equal(t, http.StatusPartialContent, resp.Status)
	body, err := io.ReadAll(resp.Stream)
	require.NoError(t, err)
	require.Equal(t, data[10:20], body)
}

func TestServePassesThroughNonGet(t *testing.T) {
	origin := newTestOrigin(t, map[string][]byte{shardPath: payload(10)})
	c := newTestCache(t, cacheOptions{})

	resp, err := c.Serve(context.Background(), Request{URL: origin.url(shardPath), Method: http.MethodHead})
	require.NoError(t, err)
	defer resp.Close()
	require.True(t, resp.Passthrough)
	require.Empty(t, c.Sessions())
}

func TestVerificationCacheSkipsRepeatedHashing(t *testing.T) {
	data := payload(512)
	store := cache.NewMemoryStore()
	c := newTestCache(t, cacheOptions{store: store})
	ctx := context.Background()

	url := "https://huggingface.co/org/model/resolve/main/config.json"
	key, _ := cache.Canonicalize(url)
	require.NoError(t, store.Put(ctx, key, data, cache.Metadata{
		TotalSize: int64(len(data)),
		Digest:    digest.Sum(data),
		Complete:  true,
	}))

	for i := 0; i < 3; i++ {
		resp, err := c.Serve(ctx, Request{URL: url})
		require.NoError(t, err)
		require.True(t, resp.CacheHit)
	}
	require.EqualValues(t, 1, c.verify.hashCount())

	require.NoError(t, c.Evict(ctx, []string{url}))
	require.NoError(t, store.Put(ctx, key, data, cache.Metadata{
		TotalSize: int64(len(data)),
		Digest:    digest.Sum(data),
		Complete:  true,
	}))
	_, err := c.Serve(ctx, Request{URL: url})
	require.NoError(t, err)
	require.EqualValues(t, 2, c.verify.hashCount(), "eviction forgets the verified digest")
}

func TestEvictIsIdempotent(t *testing.T) {
	store := cache.NewMemoryStore()
	c := newTestCache(t, cacheOptions{store: store})
	ctx := context.Background()
	url := "https://huggingface.co/org/model/resolve/main/params_shard_3.bin"
	key, _ := cache.Canonicalize(url)

	require.NoError(t, c.Evict(ctx, []string{url}))
	require.NoError(t, store.Put(ctx, key, []byte("x"), cache.Metadata{TotalSize: 1}))
	require.NoError(t, c.Evict(ctx, []string{url + "?v=2"}))
	require.NoError(t, c.Evict(ctx, []string{url}))

	_, err := store.Get(ctx, key)
	require.ErrorIs(t, err, cache.ErrNotFound)

	require.Error(t, c.Evict(ctx, []string{"not a url"}))
}

func TestWatchReportsOrderedProgress(t *testing.T) {
	data := payload(3072)
	origin := newTestOrigin(t, map[string][]byte{shardPath: data})
	gate := make(chan struct{})
	origin.setGate(gate)
	c := newTestCache(t, cacheOptions{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Serve(context.Background(), Request{URL: origin.url(shardPath)})
		done <- err
	}()

	require.Eventually(t, func() bool { return len(c.Sessions()) == 1 }, 5*time.Second, 5*time.Millisecond)
	events, stop, ok := c.Watch(origin.url(shardPath))
	require.True(t, ok)
	defer stop()

	for i := 0; i < 3; i++ {
		gate <- struct{}{}
	}
	var offsets []int64
	for ev := range events {
		offsets = append(offsets, ev.Offset)
		require.EqualValues(t, 3072, ev.Total)
	}
	require.NoError(t, <-done)
	require.Equal(t, []int64{1024, 2048, 3072}, offsets)

	_, _, ok = c.Watch(origin.url(shardPath))
	require.False(t, ok, "no session after completion")
}

func TestLastSubscriberLeavingCancelsDownload(t *testing.T) {
	data := payload(4096)
	origin := newTestOrigin(t, map[string][]byte{shardPath: data})
	gate := make(chan struct{})
	origin.setGate(gate)
	store := cache.NewMemoryStore()
	c := newTestCache(t, cacheOptions{store: store})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Serve(ctx, Request{URL: origin.url(shardPath)})
		done <- err
	}()

	gate <- struct{}{}
	require.Eventually(t, func() bool {
		sessions := c.Sessions()
		return len(sessions) == 1 && sessions[0].Offset == 1024
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Eventually(t, func() bool { return len(c.Sessions()) == 0 }, 5*time.Second, 5*time.Millisecond)

	key, _ := cache.Canonicalize(origin.url(shardPath))
	entry, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, data[:1024], entry.Data)
	require.False(t, entry.Metadata.Complete)
}

func TestServeAfterCancelledSessionStartsFresh(t *testing.T) {
	data := payload(3072)
	origin := newTestOrigin(t, map[string][]byte{shardPath: data})
	gate := make(chan struct{})
	origin.setGate(gate)
	c := newTestCache(t, cacheOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Serve(ctx, Request{URL: origin.url(shardPath)})
		first <- err
	}()
	require.Eventually(t, func() bool { return len(c.Sessions()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	second := make(chan error, 1)
	var resp *Response
	go func() {
		var err error
		resp, err = c.Serve(context.Background(), Request{URL: origin.url(shardPath)})
		second <- err
	}()
	close(gate)

	require.NoError(t, <-second)
	require.Equal(t, data, resp.Body)
}

func TestSessionTableJoinWaitsForCancelledSession(t *testing.T) {
	table := newSessionTable(time.Now)
	key, err := cache.Canonicalize("https://example.com/m.bin")
	require.NoError(t, err)

	old, leader, err := table.join(context.Background(), key)
	require.NoError(t, err)
	require.True(t, leader)
	table.leave(old)
	require.Error(t, old.ctx.Err())

	joined := make(chan *session, 1)
	go func() {
		s, leader, err := table.join(context.Background(), key)
		if err == nil && leader {
			joined <- s
		}
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("join must not return while the cancelled session is still running")
	case <-time.After(50 * time.Millisecond):
	}

	table.finish(old, nil, context.Canceled)
	fresh, ok := <-joined
	require.True(t, ok)
	require.NotSame(t, old, fresh)
	require.NoError(t, fresh.ctx.Err())

	waitCtx, cancel := context.WithCancel(context.Background())
	table.leave(fresh)
	cancel()
	_, _, err = table.join(waitCtx, key)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{Fetcher: fetcher.New(fetcher.Options{})})
	require.Error(t, err)
	_, err = New(Options{Store: cache.NewMemoryStore()})
	require.Error(t, err)
}
