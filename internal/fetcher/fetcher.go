package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/any-hub/model-hub/internal/cache"
	"github.com/any-hub/model-hub/internal/digest"
)

// DefaultSegmentSize 是单个 Range 请求的字节数（1 MiB）。
const DefaultSegmentSize int64 = 1 << 20

// RequestDecorator 在请求发出前修改请求，例如附加源站凭证。
type RequestDecorator func(*http.Request)

// Persister 是下载器对存储层的最小依赖，cache.Store 满足该接口。
type Persister interface {
	Append(ctx context.Context, key cache.ResourceKey, offset int64, chunk []byte, meta cache.Metadata) error
}

// Options 控制 Fetcher 的行为。
type Options struct {
	Client      *http.Client
	Logger      *logrus.Logger
	SegmentSize int64
	// SegmentRateLimit 为每秒允许发出的分段请求数，<= 0 表示不限速。
	SegmentRateLimit float64
	Decorate         RequestDecorator
}

// Fetcher 按段从源站下载资源，可被多个 goroutine 并发使用。
type Fetcher struct {
	client      *http.Client
	logger      *logrus.Logger
	segmentSize int64
	limiter     *rate.Limiter
	decorate    RequestDecorator
}

// New 构造 Fetcher，未设置的选项使用默认值。
func New(opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	segment := opts.SegmentSize
	if segment <= 0 {
		segment = DefaultSegmentSize
	}
	var limiter *rate.Limiter
	if opts.SegmentRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.SegmentRateLimit), 1)
	}
	return &Fetcher{
		client:      client,
		logger:      logger,
		segmentSize: segment,
		limiter:     limiter,
		decorate:    opts.Decorate,
	}
}

// SegmentSize 返回生效的分段大小。
func (f *Fetcher) SegmentSize() int64 {
	return f.segmentSize
}

// Job 描述一次下载。Resume 为已持久化的前缀，KnownTotal 为 cache.UnknownSize 时表示未知。
type Job struct {
	Key        cache.ResourceKey
	URL        string
	Header     http.Header
	Resume     []byte
	KnownTotal int64
	Store      Persister
	// OnProgress 在每个分段持久化后调用，offset 为已保存的字节数。
	OnProgress func(offset, total int64)
}

// Result 是一次完整下载的产物。
type Result struct {
	Data   []byte
	Total  int64
	Digest string
}

// Download 从 Job.Resume 的末尾继续下载，直到资源完整。
// 任何分段失败都会以 *TransportError 返回，此前已写入的进度不会回滚。
func (f *Fetcher) Download(ctx context.Context, job Job) (*Result, error) {
	if job.Store == nil {
		return nil, errors.New("fetcher: job store is required")
	}
	started := time.Now()
	collected := append([]byte(nil), job.Resume...)
	offset := int64(len(collected))
	total := job.KnownTotal
	if total < 0 {
		total = cache.UnknownSize
	}
	if total >= 0 && offset > total {
		// 前缀比声明的总长还长，说明状态已损坏，只能从头开始
		collected, offset, total = nil, 0, cache.UnknownSize
	}
	resumedFrom := offset

	for total < 0 || offset < total {
		if err := f.wait(ctx); err != nil {
			return nil, &TransportError{URL: job.URL, Offset: offset, Err: err}
		}
		end := offset + f.segmentSize - 1
		resp, err := f.do(ctx, job, fmt.Sprintf("bytes=%d-%d", offset, end))
		if err != nil {
			return nil, &TransportError{URL: job.URL, Offset: offset, Err: err}
		}

		switch resp.StatusCode {
		case http.StatusOK:
			body, err := f.fullBody(ctx, job, resp, offset)
			if err != nil {
				return nil, err
			}
			collected = body
			total = int64(len(body))
			offset = total
			meta := cache.Metadata{TotalSize: total}
			if err := job.Store.Append(ctx, job.Key, 0, collected, meta); err != nil {
				return nil, fmt.Errorf("persist full body: %w", err)
			}
			notify(job, offset, total)

		case http.StatusPartialContent:
			chunk, cr, err := readSegment(resp, job.URL, offset)
			if err != nil {
				return nil, err
			}
			if cr.total >= 0 {
				total = cr.total
			}
			collected = append(collected, chunk...)
			if err := job.Store.Append(ctx, job.Key, offset, chunk, cache.Metadata{TotalSize: total}); err != nil {
				return nil, fmt.Errorf("persist segment at %d: %w", offset, err)
			}
			offset += int64(len(chunk))
			f.logger.WithFields(logrus.Fields{
				"action": "download",
				"key":    job.Key.String(),
				"offset": offset,
				"total":  total,
				"size":   humanize.IBytes(uint64(len(chunk))),
			}).Debug("segment_persisted")
			notify(job, offset, total)

			if total < 0 && int64(len(chunk)) < f.segmentSize {
				// 总长未知时，不满一段即视为流结束
				total = offset
			}

		case http.StatusRequestedRangeNotSatisfiable:
			resp.Body.Close()
			cr, crErr := parseContentRange(resp.Header.Get("Content-Range"))
			if total == offset || (crErr == nil && cr.total == offset) {
				total = offset
				continue
			}
			return nil, &TransportError{URL: job.URL, Offset: offset, Status: resp.StatusCode}

		default:
			resp.Body.Close()
			return nil, &TransportError{URL: job.URL, Offset: offset, Status: resp.StatusCode}
		}
	}

	if int64(len(collected)) != total {
		return nil, &TransportError{
			URL:    job.URL,
			Offset: offset,
			Err:    fmt.Errorf("received %d bytes, expected %d", len(collected), total),
		}
	}

	result := &Result{Data: collected, Total: total, Digest: digest.Sum(collected)}
	f.logger.WithFields(logrus.Fields{
		"action":       "download",
		"key":          job.Key.String(),
		"size":         humanize.IBytes(uint64(total)),
		"resumed_from": resumedFrom,
		"elapsed_ms":   time.Since(started).Milliseconds(),
	}).Info("download_complete")
	return result, nil
}

// fullBody 处理 200 响应：offset 为 0 时直接接受整个 body；
// 否则源站不支持 Range，丢弃已有前缀并重新完整拉取一次。
func (f *Fetcher) fullBody(ctx context.Context, job Job, resp *http.Response, offset int64) ([]byte, error) {
	if offset == 0 {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &TransportError{URL: job.URL, Offset: offset, Err: err}
		}
		return body, nil
	}
	resp.Body.Close()

	f.logger.WithFields(logrus.Fields{
		"action": "download",
		"key":    job.Key.String(),
		"offset": offset,
	}).Warn("range_ignored_restart")

	full, err := f.do(ctx, job, "")
	if err != nil {
		return nil, &TransportError{URL: job.URL, Err: err}
	}
	defer full.Body.Close()
	if full.StatusCode < 200 || full.StatusCode > 299 {
		return nil, &TransportError{URL: job.URL, Status: full.StatusCode}
	}
	body, err := io.ReadAll(full.Body)
	if err != nil {
		return nil, &TransportError{URL: job.URL, Err: err}
	}
	return body, nil
}

func readSegment(resp *http.Response, rawURL string, offset int64) ([]byte, contentRange, error) {
	defer resp.Body.Close()
	cr, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return nil, contentRange{}, &TransportError{URL: rawURL, Offset: offset, Status: resp.StatusCode, Err: err}
	}
	if cr.start != offset {
		return nil, contentRange{}, &TransportError{
			URL:    rawURL,
			Offset: offset,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("segment starts at %d", cr.start),
		}
	}
	chunk, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contentRange{}, &TransportError{URL: rawURL, Offset: offset, Err: err}
	}
	if len(chunk) == 0 {
		return nil, contentRange{}, &TransportError{
			URL:    rawURL,
			Offset: offset,
			Status: resp.StatusCode,
			Err:    errors.New("empty partial response"),
		}
	}
	if want := cr.end - cr.start + 1; int64(len(chunk)) != want {
		return nil, contentRange{}, &TransportError{
			URL:    rawURL,
			Offset: offset,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("segment body is %d bytes, content-range announces %d", len(chunk), want),
		}
	}
	return chunk, cr, nil
}

func (f *Fetcher) do(ctx context.Context, job Job, rangeValue string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range job.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Del("Range")
	req.Header.Del("Accept-Encoding")
	if rangeValue != "" {
		req.Header.Set("Range", rangeValue)
	}
	if f.decorate != nil {
		f.decorate(req)
	}
	return f.client.Do(req)
}

func (f *Fetcher) wait(ctx context.Context) error {
	if f.limiter == nil {
		return ctx.Err()
	}
	return f.limiter.Wait(ctx)
}

func notify(job Job, offset, total int64) {
	if job.OnProgress != nil {
		job.OnProgress(offset, total)
	}
}

// Fetch 以普通 GET 拉取小文件（例如清单索引），不经过缓存。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := f.do(ctx, Job{URL: rawURL}, "")
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{URL: rawURL, Status: resp.StatusCode}
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	return buf.Bytes(), nil
}

// Forward 把原始请求直接转发给源站并返回未读的响应，调用方负责关闭 Body。
// 用于缓存不可用或出错时的直通回退。
func (f *Fetcher) Forward(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*http.Response, error) {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Del("Accept-Encoding")
	if f.decorate != nil {
		f.decorate(req)
	}
	return f.client.Do(req)
}
