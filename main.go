package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/model-hub/internal/cache"
	"github.com/any-hub/model-hub/internal/config"
	"github.com/any-hub/model-hub/internal/control"
	"github.com/any-hub/model-hub/internal/fetcher"
	"github.com/any-hub/model-hub/internal/logging"
	"github.com/any-hub/model-hub/internal/modelcache"
	"github.com/any-hub/model-hub/internal/proxy"
	"github.com/any-hub/model-hub/internal/server"
	"github.com/any-hub/model-hub/internal/server/routes"
	"github.com/any-hub/model-hub/internal/version"
)

const (
	commandPrefetch = "prefetch"
	commandEvict    = "evict"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	showHelp    bool
	// command 为空时启动 HTTP 服务。
	command string
	args    []string
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showHelp {
		return 0
	}
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origins"] = len(cfg.Origins)
		fields["credentials"] = config.CredentialModes(cfg.Origins)
		fields["store"] = cfg.Store.DataBackend + "+" + cfg.Store.MetaBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	svc, err := buildServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.Close()

	switch opts.command {
	case commandPrefetch:
		return runPrefetch(svc, opts.args[0])
	case commandEvict:
		return runEvict(svc, opts.args)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origins"] = len(cfg.Origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Origins)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数与子命令，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	var (
		opts       cliOptions
		configFlag string
	)

	root := &cobra.Command{
		Use:           "model-hub",
		Short:         "Resumable, integrity-verified cache for large model files",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MODEL_HUB_CONFIG 覆盖）")
	root.Flags().BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	root.Flags().BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	root.AddCommand(&cobra.Command{
		Use:   "prefetch <manifest.json>",
		Short: "按清单预热缓存后退出",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, rest []string) error {
			opts.command = commandPrefetch
			opts.args = rest
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "evict <url>...",
		Short: "删除指定 URL 的缓存条目后退出",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, rest []string) error {
			opts.command = commandEvict
			opts.args = rest
			return nil
		},
	})

	root.SetHelpFunc(func(cmd *cobra.Command, _ []string) {
		opts.showHelp = true
		fmt.Fprint(stdOut, cmd.UsageString())
	})

	// args 为 nil 时 cobra 会回退到 os.Args
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	if err := root.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MODEL_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}
	opts.configPath = path

	return opts, nil
}

// services 聚合进程级共享组件，所有请求复用同一套路由、存储与下载会话。
type services struct {
	registry *server.OriginRegistry
	store    *cache.LazyStore
	cache    *modelcache.Cache
	jobs     *control.Manager
}

// buildServices 按“配置 → OriginRegistry → 存储 → 下载器 → 编排层 → 控制任务”顺序组装。
// 存储打不开时服务照常启动，请求走透传，稍后按 InitialBackoff 重试。
func buildServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建 Origin 注册表失败: %w", err)
	}

	storeOpts := storeOptions(cfg)
	store := cache.NewLazyStore(func(ctx context.Context) (cache.Store, error) {
		return cache.Open(ctx, storeOpts)
	}, cfg.Global.InitialBackoff.DurationValue())

	readyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Ready(readyCtx); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"action": "store_open",
			"data":   storeOpts.DataBackend,
			"meta":   storeOpts.MetaBackend,
		}).Warn("store_unavailable")
	}

	downloader := fetcher.New(fetcher.Options{
		Client:           server.NewUpstreamClient(cfg),
		Logger:           logger,
		SegmentSize:      cfg.Global.SegmentSize,
		SegmentRateLimit: cfg.Global.SegmentRateLimit,
		Decorate:         registry.Decorate,
	})

	orchestrator, err := modelcache.New(modelcache.Options{
		Store:                  store,
		Fetcher:                downloader,
		Logger:                 logger,
		MaxConcurrentDownloads: cfg.Global.MaxConcurrentDownloads,
		MaxRetries:             cfg.Global.MaxRetries,
		PrefetchConcurrency:    cfg.Global.PrefetchConcurrency,
		ManifestFormat:         defaultManifestFormat(cfg),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &services{
		registry: registry,
		store:    store,
		cache:    orchestrator,
		jobs:     control.NewManager(orchestrator, logger),
	}, nil
}

// Close 先停止后台任务与下载会话，再关闭存储。
func (s *services) Close() {
	s.jobs.Close()
	s.cache.Close()
	_ = s.store.Close()
}

func (s *services) newApp(cfg *config.Config, logger *logrus.Logger) (*fiber.App, error) {
	return server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   s.registry,
		Proxy:      proxy.NewHandler(s.cache, logger),
		ListenPort: cfg.Global.ListenPort,
		Admin: []server.AdminRoutes{
			routes.StatusRoutes(s.registry, s.cache),
			routes.ControlRoutes(s.jobs),
		},
	})
}

func storeOptions(cfg *config.Config) cache.Options {
	return cache.Options{
		DataBackend: cfg.Store.DataBackend,
		MetaBackend: cfg.Store.MetaBackend,
		BasePath:    cfg.Global.StoragePath,
		SQLitePath:  cfg.Store.SQLitePath,
		PostgresDSN: cfg.Store.PostgresDSN,
		Bucket:      cfg.Store.Bucket,
		Prefix:      cfg.Store.Prefix,
		Endpoint:    cfg.Store.Endpoint,
		Region:      cfg.Store.Region,
		AccessKey:   cfg.Store.AccessKey,
		SecretKey:   cfg.Store.SecretKey,
		UseSSL:      cfg.Store.UseSSL,
	}
}

// defaultManifestFormat 取第一个 Origin 的清单格式，作为未声明 format 的 download 消息的默认值。
func defaultManifestFormat(cfg *config.Config) string {
	if len(cfg.Origins) > 0 {
		return cfg.Origins[0].ManifestFormat
	}
	return ""
}

func startHTTPServer(cfg *config.Config, svc *services, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := svc.newApp(cfg, logger)
	if err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	go func() {
		if _, ok := <-stop; ok {
			logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("收到退出信号")
			_ = app.ShutdownWithTimeout(10 * time.Second)
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
