package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("MODEL_HUB_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOut.(*bytes.Buffer).String(), "model-hub") {
		t.Fatalf("version 输出应包含 model-hub 标识")
	}
}

func TestParseCLIFlagsSubcommands(t *testing.T) {
	opts, err := parseCLIFlags([]string{"prefetch", "manifest.json", "--config", "/tmp/c.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.command != commandPrefetch || len(opts.args) != 1 || opts.args[0] != "manifest.json" {
		t.Fatalf("prefetch 子命令解析错误: %+v", opts)
	}
	if opts.configPath != "/tmp/c.toml" {
		t.Fatalf("子命令应继承 --config，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"evict", "https://a/x.bin", "https://a/y.bin"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.command != commandEvict || len(opts.args) != 2 {
		t.Fatalf("evict 子命令解析错误: %+v", opts)
	}

	if _, err := parseCLIFlags([]string{"prefetch"}); err == nil {
		t.Fatalf("prefetch 缺少清单参数应报错")
	}
	if _, err := parseCLIFlags([]string{"bogus"}); err == nil {
		t.Fatalf("未知子命令应报错")
	}
}

func TestParseCLIFlagsHelpDoesNotStartServer(t *testing.T) {
	useBufferWriters(t)
	opts, err := parseCLIFlags([]string{"--help"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if !opts.showHelp {
		t.Fatalf("--help 应标记 showHelp")
	}
	if run(opts) != 0 {
		t.Fatalf("help 模式应成功退出")
	}
	if !strings.Contains(stdOutBuffer().String(), "prefetch") {
		t.Fatalf("帮助信息应列出子命令: %s", stdOutBuffer().String())
	}
}
