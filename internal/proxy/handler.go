package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/model-hub/internal/logging"
	"github.com/any-hub/model-hub/internal/modelcache"
	"github.com/any-hub/model-hub/internal/server"
)

// Orchestrator 是代理层对缓存编排的依赖，*modelcache.Cache 满足该接口。
type Orchestrator interface {
	Serve(ctx context.Context, req modelcache.Request) (*modelcache.Response, error)
	Passthrough(ctx context.Context, req modelcache.Request) (*modelcache.Response, error)
}

// Handler 负责把入站请求交给缓存编排层：Include 范围内的 GET 走缓存，
// 其余请求以及缓存层的任何失败都直接回源透传。
type Handler struct {
	cache  Orchestrator
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler backed by the cache orchestrator.
func NewHandler(cache Orchestrator, logger *logrus.Logger) *Handler {
	return &Handler{
		cache:  cache,
		logger: logger,
	}
}

// Handle 执行缓存查找或透传，并把结果写回客户端，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	method := c.Method()
	cleanPath := normalizeRequestPath(requestPath(c))
	upstream := route.UpstreamFor(cleanPath, string(c.Request().URI().QueryString()))

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := modelcache.Request{
		URL:    upstream,
		Range:  c.Get(fiber.HeaderRange),
		Method: method,
		Header: forwardHeaders(c),
	}
	if method != http.MethodGet && method != http.MethodHead {
		req.Body = bytesReader(c.Body())
	}

	var (
		resp *modelcache.Response
		err  error
	)
	if method == http.MethodGet && route.Handles(cleanPath) {
		resp, err = h.cache.Serve(ctx, req)
		if err != nil {
			h.logFallback(route, upstream, requestID, err)
			resp, err = h.cache.Passthrough(ctx, req)
		}
	} else {
		resp, err = h.cache.Passthrough(ctx, req)
	}
	if err != nil {
		h.logResult(route, upstream, requestID, "", 0, false, true, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	return h.writeResponse(c, route, upstream, requestID, started, resp)
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	route *server.OriginRoute,
	upstream string,
	requestID string,
	started time.Time,
	resp *modelcache.Response,
) error {
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Model-Hub-Upstream", upstream)
	c.Set("X-Model-Hub-Cache-Hit", strconv.FormatBool(resp.CacheHit))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	h.logResult(route, upstream, requestID, resp.Key.String(), resp.Status, resp.CacheHit, resp.Passthrough, started, nil)

	if resp.Stream == nil {
		if len(resp.Body) == 0 {
			return nil
		}
		return c.Send(resp.Body)
	}
	if c.Method() == http.MethodHead {
		return resp.Close()
	}

	// fasthttp 在写完响应后负责关闭 Stream
	size := -1
	if raw := resp.Header.Get("Content-Length"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			size = parsed
		}
	}
	return c.SendStream(resp.Stream, size)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logFallback(route *server.OriginRoute, upstream, requestID string, err error) {
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, route.Config.AuthMode(), "", false)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithError(err).WithFields(fields).Warn("cache_fallback")
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	upstream string,
	requestID string,
	key string,
	status int,
	cacheHit bool,
	passthrough bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, route.Config.AuthMode(), key, cacheHit)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["passthrough"] = passthrough
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

// forwardHeaders 复制客户端请求头；Host 由上游 URL 决定，hop-by-hop 头不转发。
func forwardHeaders(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if strings.EqualFold(name, fiber.HeaderHost) || server.IsHopByHopHeader(name) {
			return
		}
		header.Add(name, string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
