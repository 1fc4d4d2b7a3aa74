package modelcache

import (
	"context"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/model-hub/internal/manifest"
)

// Outcome 记录预取或驱逐中单个 URL 的结果。
type Outcome struct {
	URL      string `json:"url"`
	Status   int    `json:"status,omitempty"`
	CacheHit bool   `json:"cache_hit"`
	Error    string `json:"error,omitempty"`
}

// OK 表示该 URL 已成功进入（或本就在）缓存。
func (o Outcome) OK() bool {
	return o.Error == "" && o.Status >= 200 && o.Status < 300
}

// Prefetch 展开清单并并发预热每个 URL，响应体被丢弃。
// 单个 URL 失败只记录在对应 Outcome 中，不影响其它 URL。
func (c *Cache) Prefetch(ctx context.Context, m manifest.Manifest) ([]Outcome, error) {
	urls, err := manifest.Expand(ctx, m, c.defaultFormat, c.fetcher, c.logger)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, len(urls))
	var g errgroup.Group
	g.SetLimit(c.prefetchLimit)
	for i, target := range urls {
		g.Go(func() error {
			outcomes[i] = c.warm(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, outcome := range outcomes {
		if !outcome.OK() {
			failed++
		}
	}
	c.logger.WithFields(logrus.Fields{
		"action": "prefetch",
		"urls":   len(urls),
		"failed": failed,
	}).Info("prefetch_complete")
	return outcomes, ctx.Err()
}

func (c *Cache) warm(ctx context.Context, target string) Outcome {
	outcome := Outcome{URL: target}
	resp, err := c.Serve(ctx, Request{URL: target, Method: http.MethodGet})
	if err != nil {
		outcome.Error = err.Error()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action": "prefetch",
			"url":    target,
		}).Warn("prefetch_failed")
		return outcome
	}
	if resp.Stream != nil {
		_, _ = io.Copy(io.Discard, resp.Stream)
		resp.Close()
	}
	outcome.Status = resp.Status
	outcome.CacheHit = resp.CacheHit
	if resp.Passthrough && (resp.Status < 200 || resp.Status > 299) {
		outcome.Error = http.StatusText(resp.Status)
	}
	return outcome
}
