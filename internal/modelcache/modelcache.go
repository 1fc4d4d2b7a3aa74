// Package modelcache 是缓存编排层：判断命中/未命中/损坏，必要时委托分段下载，
// 并通过 byterange 构造响应。同一 ResourceKey 任意时刻最多只有一个下载会话。
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/any-hub/model-hub/internal/byterange"
	"github.com/any-hub/model-hub/internal/cache"
	"github.com/any-hub/model-hub/internal/fetcher"
)

// ErrIntegrity 表示 complete 条目的摘要与内容不符，该条目会被驱逐并重新下载。
var ErrIntegrity = errors.New("cached entry failed integrity check")

// Request 描述一次入站资源请求。URL 为上游资源的绝对地址。
type Request struct {
	URL    string
	Range  string
	Method string
	// Header 为转发给上游的请求头，Range 由下载器自行管理。
	Header http.Header
	// Body 仅在直通非 GET 请求时使用。
	Body io.Reader
}

// Response 为编排层产出的响应。直通时 Stream 非空，调用方负责关闭。
type Response struct {
	Status      int
	Header      http.Header
	Body        []byte
	Stream      io.ReadCloser
	Key         cache.ResourceKey
	CacheHit    bool
	Passthrough bool
}

// Close 释放直通响应持有的连接。
func (r *Response) Close() error {
	if r == nil || r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

// Options 注入编排层依赖。
type Options struct {
	Store   cache.Store
	Fetcher *fetcher.Fetcher
	Logger  *logrus.Logger
	// MaxConcurrentDownloads 限制全局并发下载会话数，0 表示不限制。
	MaxConcurrentDownloads int
	// MaxRetries 为传输错误后的额外重试次数，每次都会从已保存的偏移继续。
	MaxRetries          int
	PrefetchConcurrency int
	ManifestFormat      string
	Now                 func() time.Time
}

// Cache 是 Cache Orchestrator，进程启动时创建一次，关闭时调用 Close。
type Cache struct {
	store         cache.Store
	fetcher       *fetcher.Fetcher
	logger        *logrus.Logger
	limit         *semaphore.Weighted
	maxRetries    int
	prefetchLimit int
	defaultFormat string
	now           func() time.Time

	sessions *sessionTable
	verify   *verifier
	wg       sync.WaitGroup
}

// New 校验依赖并构造 Cache。
func New(opts Options) (*Cache, error) {
	if opts.Store == nil {
		return nil, errors.New("modelcache: store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("modelcache: fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var limit *semaphore.Weighted
	if opts.MaxConcurrentDownloads > 0 {
		limit = semaphore.NewWeighted(int64(opts.MaxConcurrentDownloads))
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	prefetch := opts.PrefetchConcurrency
	if prefetch <= 0 {
		prefetch = 4
	}
	return &Cache{
		store:         opts.Store,
		fetcher:       opts.Fetcher,
		logger:        logger,
		limit:         limit,
		maxRetries:    retries,
		prefetchLimit: prefetch,
		defaultFormat: opts.ManifestFormat,
		now:           now,
		sessions:      newSessionTable(now),
		verify:        newVerifier(),
	}, nil
}

// Serve 返回请求资源的响应：命中且校验通过直接切片返回；损坏则驱逐后按未命中处理；
// 未命中时加入（或发起）该 key 的下载会话。存储不可用时直接回源，不写缓存。
func (c *Cache) Serve(ctx context.Context, req Request) (*Response, error) {
	if req.Method != "" && req.Method != http.MethodGet {
		return c.Passthrough(ctx, req)
	}
	key, err := cache.Canonicalize(req.URL)
	if err != nil {
		return nil, err
	}

	entry, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNotFound):
		entry = nil
	case cache.IsUnavailable(err):
		c.logPassthrough(key, err)
		return c.Passthrough(ctx, req)
	default:
		return nil, err
	}

	if entry != nil && entry.Metadata.Complete {
		if c.verify.check(entry) {
			c.logger.WithFields(logrus.Fields{
				"action": "serve",
				"key":    key.String(),
				"size":   humanize.IBytes(uint64(len(entry.Data))),
			}).Debug("cache_hit")
			return c.respond(key, entry.Data, entry.Metadata, req.Range, true), nil
		}
		c.logger.WithFields(logrus.Fields{
			"action": "serve",
			"key":    key.String(),
			"error":  ErrIntegrity.Error(),
		}).Warn("integrity_failed")
		if err := c.evictKey(ctx, key); err != nil && !cache.IsUnavailable(err) {
			return nil, err
		}
	}

	result, err := c.await(ctx, key, req)
	if err != nil {
		if cache.IsUnavailable(err) {
			c.logPassthrough(key, err)
			return c.Passthrough(ctx, req)
		}
		return nil, err
	}
	meta := cache.Metadata{TotalSize: result.Total, Digest: result.Digest, Complete: true}
	return c.respond(key, result.Data, meta, req.Range, false), nil
}

// await 加入 key 的下载会话并等待其结果；调用方 ctx 取消只会让自己离开，
// 其余订阅者仍然可以拿到结果。
func (c *Cache) await(ctx context.Context, key cache.ResourceKey, req Request) (*fetcher.Result, error) {
	s, leader, err := c.sessions.join(ctx, key)
	if err != nil {
		return nil, err
	}
	defer c.sessions.leave(s)

	if leader {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			result, err := c.run(s, req)
			c.sessions.finish(s, result, err)
		}()
	}

	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run 在会话上下文中执行下载，传输错误最多重试 maxRetries 次。
func (c *Cache) run(s *session, req Request) (*fetcher.Result, error) {
	ctx := s.ctx
	if c.limit != nil {
		if err := c.limit.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.limit.Release(1)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(logrus.Fields{
				"action":  "download",
				"key":     s.key.String(),
				"attempt": attempt,
			}).Warn("download_retry")
		}
		result, err := c.attempt(ctx, s, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var transportErr *fetcher.TransportError
		if !errors.As(err, &transportErr) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// attempt 重新读取存储：会话建立前其它会话可能已经完成，此时无需再下载。
func (c *Cache) attempt(ctx context.Context, s *session, req Request) (*fetcher.Result, error) {
	key := s.key
	var resume []byte
	total := cache.UnknownSize

	entry, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		if entry.Metadata.Complete {
			if c.verify.check(entry) {
				return &fetcher.Result{Data: entry.Data, Total: entry.Metadata.TotalSize, Digest: entry.Metadata.Digest}, nil
			}
			if err := c.evictKey(ctx, key); err != nil {
				return nil, err
			}
		} else {
			resume = entry.Data
			total = entry.Metadata.TotalSize
		}
	case errors.Is(err, cache.ErrNotFound):
	default:
		return nil, err
	}

	result, err := c.fetcher.Download(ctx, fetcher.Job{
		Key:        key,
		URL:        req.URL,
		Header:     upstreamHeader(req.Header),
		Resume:     resume,
		KnownTotal: total,
		Store:      c.store,
		OnProgress: func(offset, total int64) {
			c.sessions.publish(s, offset, total)
		},
	})
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action":      "download",
			"key":         key.String(),
			"resume_from": len(resume),
		}).Error("download_failed")
		return nil, err
	}

	// 分段写入已经落盘全部数据，这里只需把元数据提升为 complete
	meta := cache.Metadata{
		TotalSize:  result.Total,
		Digest:     result.Digest,
		Complete:   true,
		VerifiedAt: c.now(),
	}
	if err := c.store.Append(ctx, key, result.Total, nil, meta); err != nil {
		return nil, fmt.Errorf("promote %s: %w", key, err)
	}
	c.verify.remember(key, result.Digest)
	return result, nil
}

// Passthrough 直接转发到上游，不读写缓存。保留客户端的 Range 头。
func (c *Cache) Passthrough(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if req.Range != "" && header.Get("Range") == "" {
		header.Set("Range", req.Range)
	}
	resp, err := c.fetcher.Forward(ctx, method, req.URL, header, req.Body)
	if err != nil {
		return nil, &fetcher.TransportError{URL: req.URL, Err: err}
	}
	return &Response{
		Status:      resp.StatusCode,
		Header:      resp.Header.Clone(),
		Stream:      resp.Body,
		Passthrough: true,
	}, nil
}

// Evict 删除给定 URL 对应的条目，不存在的条目不会报错。
func (c *Cache) Evict(ctx context.Context, urls []string) error {
	var errs []error
	for _, raw := range urls {
		key, err := cache.Canonicalize(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.evictKey(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("evict %s: %w", key, err))
			continue
		}
		c.logger.WithFields(logrus.Fields{"action": "evict", "key": key.String()}).Info("cache_evicted")
	}
	return errors.Join(errs...)
}

func (c *Cache) evictKey(ctx context.Context, key cache.ResourceKey) error {
	c.verify.forget(key)
	return c.store.Delete(ctx, key)
}

// Watch 订阅 url 对应的在途下载进度；没有在途会话时 ok 为 false。
// 会话结束时通道关闭，调用 stop 可提前退订。
func (c *Cache) Watch(rawURL string) (events <-chan Progress, stop func(), ok bool) {
	key, err := cache.Canonicalize(rawURL)
	if err != nil {
		return nil, func() {}, false
	}
	return c.sessions.watch(key, 0)
}

// Sessions 返回在途下载会话的快照。
func (c *Cache) Sessions() []SessionStatus {
	return c.sessions.snapshot()
}

// Backends 返回数据层与元数据层的后端名称。
func (c *Cache) Backends() (string, string) {
	return c.store.Backends()
}

// Close 取消所有在途会话并等待其退出，不关闭底层存储。
func (c *Cache) Close() {
	c.sessions.cancelAll()
	c.wg.Wait()
}

func (c *Cache) respond(key cache.ResourceKey, data []byte, meta cache.Metadata, rangeHeader string, hit bool) *Response {
	built := byterange.Build(data, meta, rangeHeader)
	return &Response{
		Status:   built.Status,
		Header:   built.Header,
		Body:     built.Body,
		Key:      key,
		CacheHit: hit,
	}
}

func (c *Cache) logPassthrough(key cache.ResourceKey, err error) {
	c.logger.WithError(err).WithFields(logrus.Fields{
		"action": "serve",
		"key":    key.String(),
	}).Warn("passthrough")
}

func upstreamHeader(src http.Header) http.Header {
	if len(src) == 0 {
		return nil
	}
	dst := src.Clone()
	for key := range dst {
		if strings.EqualFold(key, "Range") || strings.EqualFold(key, "If-Range") {
			dst.Del(key)
		}
	}
	return dst
}
