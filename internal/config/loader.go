package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/model-hub/internal/manifest"
)

// DefaultSegmentSize 为 1 MiB。
const DefaultSegmentSize int64 = 1 << 20

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectOriginLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyStoreDefaults(&cfg.Store)
	for i := range cfg.Origins {
		applyOriginDefaults(&cfg.Origins[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage
	if cfg.Store.SQLitePath != "" && !filepath.IsAbs(cfg.Store.SQLitePath) {
		cfg.Store.SQLitePath = filepath.Join(absStorage, cfg.Store.SQLitePath)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("SegmentSize", DefaultSegmentSize)
	v.SetDefault("MaxConcurrentDownloads", 0)
	v.SetDefault("MaxRetries", 1)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("SegmentRateLimit", 0)
	v.SetDefault("PrefetchConcurrency", 4)
	v.SetDefault("Store.DataBackend", "fs")
	v.SetDefault("Store.MetaBackend", "sqlite")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.SegmentSize == 0 {
		g.SegmentSize = DefaultSegmentSize
	}
	if g.PrefetchConcurrency == 0 {
		g.PrefetchConcurrency = 4
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyStoreDefaults(s *StoreConfig) {
	s.DataBackend = strings.ToLower(strings.TrimSpace(s.DataBackend))
	s.MetaBackend = strings.ToLower(strings.TrimSpace(s.MetaBackend))
	if s.DataBackend == "" {
		s.DataBackend = "fs"
	}
	if s.MetaBackend == "" {
		s.MetaBackend = "sqlite"
	}
}

func applyOriginDefaults(o *OriginConfig) {
	o.Domain = strings.TrimSpace(o.Domain)
	if format := strings.TrimSpace(o.ManifestFormat); format == "" {
		o.ManifestFormat = manifest.DefaultFormat
	} else {
		o.ManifestFormat = strings.ToLower(format)
	}
	include := o.Include[:0]
	for _, prefix := range o.Include {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		include = append(include, prefix)
	}
	o.Include = include
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectOriginLevelPorts 拒绝 Origin 上的 Port 字段：所有 Origin 共享全局 ListenPort。
func rejectOriginLevelPorts(v *viper.Viper) error {
	raw := v.Get("Origin")
	origins, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range origins {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		// viper 可能把数组内表的键转成小写
		if _, exists := lookupFold(m, "Port"); exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupFold(m, "Name"); ok {
				if str, ok := rawName.(string); ok && str != "" {
					name = str
				}
			}
			return newFieldError(originField(name, "Port"), "字段不受支持，请使用全局 ListenPort")
		}
	}

	return nil
}

func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
