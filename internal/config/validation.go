package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/model-hub/internal/manifest"
)

var supportedDataBackends = map[string]struct{}{
	"fs":     {},
	"s3":     {},
	"minio":  {},
	"memory": {},
}

var supportedMetaBackends = map[string]struct{}{
	"sqlite":   {},
	"postgres": {},
	"memory":   {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.SegmentSize < 1024 {
		return newFieldError("Global.SegmentSize", "不能小于 1024 字节")
	}
	if g.MaxConcurrentDownloads < 0 {
		return newFieldError("Global.MaxConcurrentDownloads", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.SegmentRateLimit < 0 {
		return newFieldError("Global.SegmentRateLimit", "不能为负数")
	}
	if g.PrefetchConcurrency <= 0 {
		return newFieldError("Global.PrefetchConcurrency", "必须大于 0")
	}

	if err := c.Store.validate(); err != nil {
		return err
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateDomain(origin.Domain); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Domain"), err)
		}
		domain := strings.ToLower(origin.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(originField(origin.Name, "Domain"), "与其它 Origin 重复")
		}
		seenDomains[domain] = struct{}{}

		if (origin.Username == "") != (origin.Password == "") {
			return newFieldError(originField(origin.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}
		if origin.ManifestFormat != "" {
			if _, ok := manifest.Resolve(origin.ManifestFormat); !ok {
				return newFieldError(originField(origin.Name, "ManifestFormat"),
					"仅支持 "+strings.Join(manifest.Names(), "|"))
			}
		}
	}

	return nil
}

func (s StoreConfig) validate() error {
	if _, ok := supportedDataBackends[s.DataBackend]; !ok {
		return newFieldError("Store.DataBackend", "仅支持 fs|s3|minio|memory")
	}
	if _, ok := supportedMetaBackends[s.MetaBackend]; !ok {
		return newFieldError("Store.MetaBackend", "仅支持 sqlite|postgres|memory")
	}
	switch s.DataBackend {
	case "s3":
		if s.Bucket == "" {
			return newFieldError("Store.Bucket", "s3 后端必须指定 Bucket")
		}
	case "minio":
		if s.Bucket == "" {
			return newFieldError("Store.Bucket", "minio 后端必须指定 Bucket")
		}
		if s.Endpoint == "" {
			return newFieldError("Store.Endpoint", "minio 后端必须指定 Endpoint")
		}
	}
	if s.MetaBackend == "postgres" && s.PostgresDSN == "" {
		return newFieldError("Store.PostgresDSN", "postgres 后端必须指定 DSN")
	}
	if (s.AccessKey == "") != (s.SecretKey == "") {
		return newFieldError("Store.AccessKey/SecretKey", "必须同时提供或同时留空")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
