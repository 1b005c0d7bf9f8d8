package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaopang/keyrelay/internal/api"
	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/events"
	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/model"
	"github.com/xiaopang/keyrelay/internal/store"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// os.Exit 跳过 defer，清理都在 run 内完成
	if err := run(*configPath); err != nil {
		logger.Named("main").Error("keyrelay exited", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	log := logger.Named("main")

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	log.Info("config loaded", "path", configPath)

	// 初始化存储
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()
	log.Info("database initialized", "path", cfg.Database.Path)

	// 密钥来源
	var source core.KeySource
	switch cfg.Keys.Source {
	case config.KeySourceSQLite:
		source = db
	default:
		source = config.NewEnvKeySource(cfg.Keys.EnvFile, cfg.Keys.NamePrefix)
	}

	// 预算；新告警落库
	budget := core.NewBudgetTracker(cfg.Budget)
	alertLog := logger.Named("budget")
	budget.SetAlertHook(func(a model.BudgetAlert) {
		alertLog.Warn("budget alert", "model", a.Model, "metric", a.Metric, "level", a.Level,
			"current", a.Current, "limit", a.Limit, "percentage", a.Percentage)
		if _, err := db.SaveAlert(&a); err != nil {
			alertLog.Error("failed to persist alert", "err", err)
		}
	})

	// 密钥管理器
	keys, err := core.NewKeyManager(source, budget, cfg.Keys, cfg.ModelBreaker)
	if err != nil {
		return fmt.Errorf("load keys from %s: %w", cfg.Keys.Source, err)
	}
	if len(cfg.Keys.Entries) > 0 {
		if err := keys.Seed(cfg.Keys.Entries); err != nil {
			log.Warn("failed to seed keys from config", "err", err)
		}
	}
	log.Info("key pool ready", "source", cfg.Keys.Source, "keys", keys.Len())

	// 熔断与上游
	breakers := core.NewCircuitManager(cfg.Breaker)
	upstream := core.NewUpstream(cfg.Upstream, breakers.Get(core.UpstreamBreakerName))

	refresher := core.NewKeyRefresher(keys, budget, upstream, cfg.Keys, cfg.Upstream)
	refresher.Start()
	defer refresher.Stop()
	if cfg.Keys.RefreshInterval > 0 {
		log.Info("key refresher started", "interval_seconds", cfg.Keys.RefreshInterval)
	}

	hub := core.NewHub()
	defer hub.CloseAll()

	// 创建一个 context，监听 SIGINT / SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 任务事件订阅（可选）
	if cfg.Events.RedisURL != "" {
		sub, err := events.NewSubscriber(ctx, cfg.Events.RedisURL, cfg.Events.Channel, hub)
		if err != nil {
			log.Warn("job event subscriber disabled", "err", err)
		} else if err := sub.Start(ctx); err != nil {
			log.Warn("job event subscriber disabled", "err", err)
			sub.Stop()
		} else {
			defer sub.Stop()
		}
	}

	// 定期清理过期告警
	go cleanAlerts(ctx, db, cfg.Logging.RetentionDays)

	handlers := api.Handlers{
		Relay:  api.NewRelayHandler(keys, budget, upstream, cfg.Upstream.MaxRetries),
		Events: api.NewEventsHandler(hub),
		WS:     api.NewWSHandler(hub, cfg.WebSocket),
		Admin: api.NewAdminHandler(api.AdminDeps{
			Keys:       keys,
			Budget:     budget,
			Breakers:   breakers,
			Refresher:  refresher,
			Hub:        hub,
			Store:      db,
			Config:     cfg,
			ConfigPath: configPath,
		}),
	}
	r := api.SetupRouter(cfg, handlers)

	// 使用 http.Server 以支持 Graceful Shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("keyrelay starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// 等待信号或服务器错误
	select {
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received, draining connections")
	}

	// 给在途请求 15 秒的时间完成
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", "err", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func cleanAlerts(ctx context.Context, db *store.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	log := logger.Named("retention")
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		if n, err := db.CleanOldAlerts(retentionDays); err != nil {
			log.Warn("alert cleanup failed", "err", err)
		} else if n > 0 {
			log.Info("old alerts removed", "rows", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
