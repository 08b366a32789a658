package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/echoyidotfun/demind-agent-service/internal/cache"
	"github.com/echoyidotfun/demind-agent-service/internal/cleanup"
	"github.com/echoyidotfun/demind-agent-service/internal/command"
	"github.com/echoyidotfun/demind-agent-service/internal/config"
	"github.com/echoyidotfun/demind-agent-service/internal/defi/coingecko"
	"github.com/echoyidotfun/demind-agent-service/internal/defi/defillama"
	"github.com/echoyidotfun/demind-agent-service/internal/filter"
	"github.com/echoyidotfun/demind-agent-service/internal/logger"
	"github.com/echoyidotfun/demind-agent-service/internal/metrics"
	"github.com/echoyidotfun/demind-agent-service/internal/query"
	"github.com/echoyidotfun/demind-agent-service/internal/ratelimit"
	"github.com/echoyidotfun/demind-agent-service/internal/repository"
	"github.com/echoyidotfun/demind-agent-service/internal/syncer"
	"github.com/echoyidotfun/demind-agent-service/internal/version"
)

func main() {
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg := logger.New(cfg.App.LogLevel, cfg.App.Environment)
	defer func() { _ = lg.Sync() }()

	lg.Info("🚀 Starting DeFi sync service",
		append(version.Fields(),
			zap.String("environment", cfg.App.Environment),
			zap.String("chain_list", filter.ChainListVersion))...)
	if cfg.App.Environment == "development" {
		lg.Debug("Config loaded\n" + cfg.SafeString())
	}

	db, err := repository.InitDatabase(cfg.Database, cfg.App)
	if err != nil {
		lg.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer func() {
		if err := repository.CloseDatabase(db); err != nil {
			lg.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := repository.AutoMigrate(db); err != nil {
		lg.Fatal("Failed to migrate database", zap.Error(err))
	}
	lg.Info("✅ Database initialized")

	redisClient, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		if cfg.App.Environment == "production" {
			lg.Fatal("❌ Failed to connect to Redis (required in production)", zap.Error(err))
		}
		lg.Warn("⚠️ Redis not available, cache and commands disabled", zap.Error(err))
	}
	defer func() { _ = cache.CloseRedisClient(redisClient) }()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer, cfg.Metrics.Namespace)

	var store cache.Store
	if redisClient != nil {
		store = cache.NewRedisStore(redisClient)
		lg.Info("✅ Redis connected")
	}
	bestEffort := cache.NewBestEffort(store, lg, m)

	queue := ratelimit.NewQueue(ratelimit.Config{
		MinInterval:       cfg.CoinGecko.MinInterval,
		SafetyMargin:      cfg.CoinGecko.SafetyMargin,
		DefaultRetryAfter: cfg.CoinGecko.DefaultRetryAfter,
		RetryDelay:        cfg.CoinGecko.RetryDelay,
		MaxQueueSize:      cfg.CoinGecko.MaxQueueSize,
		MaxAttempts:       cfg.CoinGecko.MaxAttempts,
	}, ratelimit.SystemClock{}, lg, m)
	defer queue.Close()

	llama := defillama.NewClient(defillama.Config{
		APIBaseURL:         cfg.DefiLlama.APIBaseURL,
		YieldsBaseURL:      cfg.DefiLlama.YieldsBaseURL,
		StablecoinsBaseURL: cfg.DefiLlama.StablecoinsBaseURL,
		Timeout:            cfg.DefiLlama.Timeout,
		MaxRetries:         cfg.DefiLlama.MaxRetries,
		InitialDelay:       cfg.DefiLlama.InitialDelay,
		BackoffFactor:      cfg.DefiLlama.BackoffFactor,
		MaxDelay:           cfg.DefiLlama.MaxDelay,
	}, lg, m)
	gecko := coingecko.NewClient(coingecko.Config{
		BaseURL: cfg.CoinGecko.BaseURL,
		APIKey:  cfg.CoinGecko.APIKey,
		Timeout: cfg.CoinGecko.Timeout,
	}, queue, lg, m)

	protocolRepo := repository.NewProtocolRepository(db)
	poolRepo := repository.NewPoolRepository(db)
	chartRepo := repository.NewPoolChartRepository(db)
	stablecoinRepo := repository.NewStablecoinRepository(db)
	coinRepo := repository.NewCoinRepository(db)

	chains := filter.NewChainFilter(cfg.Sync.Chains)
	status := syncer.NewStatusBoard()

	charts := syncer.NewChartSyncer(llama, chartRepo, poolRepo, bestEffort, status, lg, syncer.TopPoolsConfig{
		Limit:  cfg.Sync.TopPoolsLimit,
		MinTVL: cfg.Sync.TopPoolsMinTVL,
		MinAPY: cfg.Sync.TopPoolsMinAPY,
	})
	syncService := syncer.NewService(charts, status, lg, m)
	syncService.Register(syncer.NewProtocolSyncer(llama, protocolRepo, chains, bestEffort, status, lg))
	syncService.Register(syncer.NewPoolSyncer(llama, poolRepo, protocolRepo, chains, bestEffort, status, lg))
	syncService.Register(syncer.NewStablecoinSyncer(llama, stablecoinRepo, bestEffort, status, lg))
	syncService.Register(syncer.NewCoinSyncer(gecko, coinRepo, status, lg))

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{
			Addr:              ":" + cfg.Metrics.Port,
			Handler:           metrics.NewRouter(m),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("Metrics server error", zap.Error(err))
			}
		}()
		lg.Info("✅ Metrics server started", zap.String("addr", metricsServer.Addr))
	}

	var scheduler *syncer.Scheduler
	if cfg.Sync.Enabled {
		scheduler = syncer.NewScheduler(syncService, syncer.Schedules{
			All:    cfg.Sync.AllSchedule,
			Charts: cfg.Sync.ChartsSchedule,
			Coins:  cfg.Sync.CoinsSchedule,
		}, lg)
		if err := scheduler.Start(); err != nil {
			lg.Fatal("Failed to start sync scheduler", zap.Error(err))
		}
	}

	var cleanupScheduler *cleanup.Scheduler
	if cfg.Cleanup.Enabled {
		cleanupScheduler = cleanup.NewScheduler(chartRepo, &cleanup.Config{
			ChartRetentionDays: cfg.Cleanup.ChartRetentionDays,
			Schedule:           cfg.Cleanup.Schedule,
		}, lg)
		if err := cleanupScheduler.Start(); err != nil {
			lg.Fatal("Failed to start cleanup scheduler", zap.Error(err))
		}
	}

	reader := query.NewService(query.Repositories{
		Protocols:   protocolRepo,
		Pools:       poolRepo,
		Charts:      chartRepo,
		Stablecoins: stablecoinRepo,
		Coins:       coinRepo,
	}, gecko, bestEffort, lg, query.Config{
		CoinDetailsMaxAge: cfg.Sync.CoinDetailsMaxAge,
		TokenBatchSize:    cfg.Sync.TokenBatchSize,
		TokenBatchPause:   cfg.Sync.TokenBatchPause,
	})

	cmdService := command.NewService(redisClient, syncService, reader, lg)
	if err := cmdService.Start(); err != nil {
		lg.Warn("⚠️ Failed to start command service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Sync.RunOnStart {
		go func() {
			lg.Info("Running initial sync...")
			syncService.SyncAll(ctx)
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	lg.Info("✅ Application started successfully!")
	<-quit
	lg.Info("🛑 Shutting down gracefully...")

	cancel()
	cmdService.Stop()
	if scheduler != nil {
		scheduler.Stop()
	}
	if cleanupScheduler != nil {
		cleanupScheduler.Stop()
	}
	if metricsServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			lg.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
}
