package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[[Origin]]
Name = "hf"
Domain = "hf.local"
Upstream = "https://huggingface.co"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsOriginLevelPort(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[Origin]]
Name = "hf"
Domain = "hf.local"
Port = 6000
Upstream = "https://huggingface.co"
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	fieldErr, ok := err.(FieldError)
	if !ok {
		t.Fatalf("expected FieldError, got %T (%v)", err, err)
	}
	if fieldErr.Field != "Origin[hf].Port" {
		t.Fatalf("unexpected field: %s", fieldErr.Field)
	}
}

func TestLoadResolvesRelativeSQLitePath(t *testing.T) {
	cfg := `
StoragePath = "/var/lib/model-hub"

[Store]
SQLitePath = "meta/cache.db"

[[Origin]]
Name = "hf"
Domain = "hf.local"
Upstream = "https://huggingface.co"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Store.SQLitePath != "/var/lib/model-hub/meta/cache.db" {
		t.Fatalf("unexpected sqlite path: %s", loaded.Store.SQLitePath)
	}
}
