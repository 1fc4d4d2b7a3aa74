package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/model-hub/internal/config"
)

// OriginRoute 将 Origin 配置与派生属性（解析后的 Upstream URL 等）聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type OriginRoute struct {
	// Config 是用户在 config.toml 中声明的 Origin 字段副本。
	Config config.OriginConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
}

// Handles 判断请求路径是否走缓存；Include 为空时所有路径都缓存。
func (r *OriginRoute) Handles(path string) bool {
	if r == nil {
		return false
	}
	if len(r.Config.Include) == 0 {
		return true
	}
	for _, prefix := range r.Config.Include {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// UpstreamFor 拼接上游绝对 URL，保留 Upstream 自带的路径前缀。
func (r *OriginRoute) UpstreamFor(path, rawQuery string) string {
	target := *r.UpstreamURL
	basePath := strings.TrimSuffix(target.Path, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target.Path = basePath + path
	target.RawPath = ""
	target.RawQuery = rawQuery
	return target.String()
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力，所有 Origin 共享同一个监听端口。
type OriginRegistry struct {
	routes  map[string]*OriginRoute
	byHost  map[string]*OriginRoute
	ordered []*OriginRoute
}

// NewOriginRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		routes: make(map[string]*OriginRoute, len(cfg.Origins)),
		byHost: make(map[string]*OriginRoute, len(cfg.Origins)),
	}

	for _, origin := range cfg.Origins {
		normalizedHost := normalizeDomain(origin.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for origin %s", origin.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		upstreamURL, err := url.Parse(origin.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream for origin %s: %w", origin.Name, err)
		}

		route := &OriginRoute{
			Config:      origin,
			ListenPort:  cfg.Global.ListenPort,
			UpstreamURL: upstreamURL,
		}
		registry.routes[normalizedHost] = route
		// 第一个声明该上游 host 的 Origin 负责其凭证
		upstreamHost := strings.ToLower(upstreamURL.Host)
		if _, exists := registry.byHost[upstreamHost]; !exists {
			registry.byHost[upstreamHost] = route
		}
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的 OriginRoute 列表（按配置定义的顺序），用于 /-/status 输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

// Decorate 为指向已配置上游的请求注入 Basic 凭证。
// 预取与清单请求不经过 Host 路由，所以按上游 host 反查 Origin。
func (r *OriginRegistry) Decorate(req *http.Request) {
	if r == nil || req == nil || req.URL == nil {
		return
	}
	route, ok := r.byHost[strings.ToLower(req.URL.Host)]
	if !ok || !route.Config.HasCredentials() {
		return
	}
	if req.Header.Get("Authorization") != "" {
		return
	}
	req.SetBasicAuth(route.Config.Username, route.Config.Password)
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
