package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/any-hub/model-hub/internal/manifest"
	"github.com/any-hub/model-hub/internal/modelcache"
)

// runPrefetch 读取清单文件并同步预热，逐 URL 结果以 JSON 输出到 stdout。
// 任一 URL 失败时返回 1。
func runPrefetch(svc *services, manifestPath string) int {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		fmt.Fprintf(stdErr, "读取清单失败: %v\n", err)
		return 1
	}
	var m manifest.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		fmt.Fprintf(stdErr, "解析清单失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcomes, err := svc.cache.Prefetch(ctx, m)
	if outcomes == nil {
		outcomes = []modelcache.Outcome{}
	}
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	_ = enc.Encode(outcomes)
	if err != nil {
		fmt.Fprintf(stdErr, "预热失败: %v\n", err)
		return 1
	}
	for _, outcome := range outcomes {
		if !outcome.OK() {
			return 1
		}
	}
	return 0
}

// runEvict 删除给定 URL 的缓存条目。
func runEvict(svc *services, urls []string) int {
	if err := svc.cache.Evict(context.Background(), urls); err != nil {
		fmt.Fprintf(stdErr, "清理失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdOut, "evicted %d url(s)\n", len(urls))
	return 0
}
