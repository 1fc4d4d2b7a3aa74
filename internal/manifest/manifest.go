// Package manifest 将一次 "download model" 请求展开为需要预热的资源 URL 列表。
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/model-hub/internal/cache"
)

// DefaultFormat 在请求与 origin 都未指定格式时使用。
const DefaultFormat = "mlc"

// ErrUnknownFormat 表示请求的格式未注册。
var ErrUnknownFormat = errors.New("unknown manifest format")

var resolveRevision = regexp.MustCompile(`/resolve/[^/]+/$`)

// Manifest 对应 /-/download 的请求体。
type Manifest struct {
	URLs     []string `json:"urls"`
	BaseURL  string   `json:"baseUrl"`
	ModelLib string   `json:"modelLib"`
	Format   string   `json:"format"`
}

// IndexFetcher 拉取索引文件的原始内容。
type IndexFetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// NormalizeBaseURL 补齐末尾斜杠；huggingface.co 的仓库地址若未指明 revision，
// 追加 resolve/main/。
func NormalizeBaseURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", raw)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	if strings.EqualFold(parsed.Hostname(), "huggingface.co") && !resolveRevision.MatchString(parsed.Path) {
		parsed.Path += "resolve/main/"
	}
	parsed.RawPath = ""
	return parsed, nil
}

// Expand 返回去重后的 URL 列表（保持首次出现的顺序）。
// 索引拉取或解析失败只记录日志，伴随文件仍然会被返回。
func Expand(ctx context.Context, m Manifest, defaultFormat string, fetcher IndexFetcher, logger *logrus.Logger) ([]string, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	set := newOrderedSet()

	for _, raw := range m.URLs {
		key, err := cache.Canonicalize(raw)
		if err != nil {
			logger.WithError(err).WithField("url", raw).Warn("manifest_url_invalid")
			continue
		}
		set.add(key.String())
	}

	if strings.TrimSpace(m.BaseURL) != "" {
		name := m.Format
		if name == "" {
			name = defaultFormat
		}
		if name == "" {
			name = DefaultFormat
		}
		format, ok := Resolve(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
		}

		base, err := NormalizeBaseURL(m.BaseURL)
		if err != nil {
			logger.WithError(err).WithField("base_url", m.BaseURL).Warn("manifest_base_invalid")
		} else {
			for _, companion := range format.Companions {
				if resolved, ok := resolveAgainst(base, companion); ok {
					set.add(resolved)
				}
			}
			if format.Index != "" {
				for _, shard := range expandIndex(ctx, base, format, fetcher, logger) {
					set.add(shard)
				}
			}
		}
	}

	if lib := strings.TrimSpace(m.ModelLib); lib != "" {
		set.add(lib)
	}
	return set.items, nil
}

func expandIndex(ctx context.Context, base *url.URL, format Format, fetcher IndexFetcher, logger *logrus.Logger) []string {
	indexURL, ok := resolveAgainst(base, format.Index)
	if !ok || fetcher == nil {
		return nil
	}
	fields := logrus.Fields{"format": format.Name, "index": indexURL}

	data, err := fetcher.Fetch(ctx, indexURL)
	if err != nil {
		logger.WithError(err).WithFields(fields).Warn("manifest_index_unavailable")
		return nil
	}
	paths, err := format.ParseIndex(data)
	if err != nil {
		logger.WithError(err).WithFields(fields).Warn("manifest_index_invalid")
		return nil
	}

	result := make([]string, 0, len(paths))
	for _, p := range paths {
		if resolved, ok := resolveAgainst(base, p); ok {
			result = append(result, resolved)
		}
	}
	logger.WithFields(fields).WithField("shards", len(result)).Debug("manifest_index_expanded")
	return result
}

func resolveAgainst(base *url.URL, ref string) (string, bool) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(parsed).String(), true
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(item string) {
	if _, ok := s.seen[item]; ok {
		return
	}
	s.seen[item] = struct{}{}
	s.items = append(s.items, item)
}
