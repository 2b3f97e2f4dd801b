package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"danmu-api-service/internal/appstate"
	"danmu-api-service/internal/config"
	"danmu-api-service/internal/handler"
	"danmu-api-service/internal/repository"
	"danmu-api-service/internal/segment"
	"danmu-api-service/internal/service"
	"danmu-api-service/internal/source"
	"danmu-api-service/pkg/httpclient"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	// Load configuration
	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Info().
		Str("port", cfg.Port).
		Str("mode", cfg.GinMode).
		Strs("sources", cfg.SourceOrder).
		Msg("🚀 Starting danmu-api-service")

	// Set Gin mode
	gin.SetMode(cfg.GinMode)

	// Redis 可选，未配置时使用进程内缓存
	var (
		redisClient *redis.Client
		kv          repository.KV
	)
	if cfg.RedisURL != "" {
		client, err := repository.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		redisClient = client
		kv = repository.NewCache(client, "danmu:", cfg.CommentCacheTTL)
	} else {
		log.Warn().Msg("⚠️  REDIS_URL 未配置，使用内存缓存")
		kv = repository.NewMemoryCache(cfg.CommentCacheTTL)
	}
	defer kv.Close()

	// Initialize metrics
	metrics := repository.NewMetrics(redisClient)
	if metrics.Enabled() {
		metrics.RecordServerStart(context.Background())
		log.Info().Msg("📊 Metrics enabled")
	}

	// Shared process state
	state := appstate.New(cfg.MaxAnimes, cfg.RateLimitPerMinute, cfg.RequestRecordSize)
	switch cfg.IDCachePersist {
	case "redis":
		if redisClient == nil {
			log.Fatal().Msg("ID_CACHE_PERSIST=redis requires REDIS_URL")
		}
		state.IDs.WithPersister(context.Background(), repository.NewRedisSnapshotStore(redisClient, "danmu:idcache"))
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			log.Fatal().Err(err).Msg("Failed to create sqlite directory")
		}
		store, err := repository.OpenSQLiteSnapshotStore(cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open sqlite snapshot store")
		}
		defer store.Close()
		state.IDs.WithPersister(context.Background(), store)
	}
	if state.Limiter.Enabled() {
		log.Info().Int("per_minute", cfg.RateLimitPerMinute).Msg("🚦 Rate limit enabled")
	}

	// Initialize HTTP client with proxy support
	httpClient := httpclient.NewClient(httpclient.Options{
		Timeout:       cfg.SourceTimeout,
		Retries:       cfg.Retries,
		GlobalProxy:   cfg.Proxies.Global,
		SourceProxies: cfg.Proxies.PerSource,
	})
	if httpClient.HasProxy() {
		log.Info().Int("count", httpClient.ProxyCount()).Msg("🔀 Proxy enabled")
	}

	// Initialize services
	registry := source.NewFromConfig(cfg, httpClient)
	tmdbService := service.NewTMDBService(httpClient, cfg.TMDBAPIKeys, cfg.TMDBBaseURL)
	resolvers := service.Resolvers{service.NewDoubanService(httpClient)}
	if tmdbService.IsConfigured() {
		resolvers = append(service.Resolvers{tmdbService}, resolvers...)
		log.Info().Int("keys", tmdbService.KeyCount()).Msg("🎬 TMDB service enabled (轮询模式)")
	}

	orchestrator := service.NewOrchestrator(registry, state.IDs, metrics, resolvers, service.OptionsFromConfig(cfg))
	danmu := service.NewDanmuService(
		registry,
		state.IDs,
		state.Limiter,
		kv,
		segment.New(kv, cfg.SegmentDuration, cfg.CommentCacheTTL),
		metrics,
		service.DanmuOptions{
			GroupMinutes: cfg.GroupMinutes,
			CacheTTL:     cfg.CommentCacheTTL,
			Timeout:      cfg.SourceTimeout,
		},
	)

	// Setup router
	r := handler.NewRouter(handler.Routes{
		Search:  handler.NewSearchHandler(orchestrator),
		Comment: handler.NewCommentHandler(danmu, cfg.DanmakuOptions()),
		Admin: handler.NewAdminHandler(state, danmu, kv, metrics, registry, handler.StatusInfo{
			Order:        cfg.SourceOrder,
			ProxyEnabled: httpClient.HasProxy(),
			ProxyCount:   httpClient.ProxyCount(),
			TMDBEnabled:  tmdbService.IsConfigured(),
		}),
		State:          state,
		Metrics:        metrics,
		AdminAPIKey:    cfg.AdminAPIKey,
		TrustedProxies: cfg.TrustedProxies,
	})

	// 日志输出认证状态
	if cfg.AdminAPIKey != "" {
		log.Info().Msg("🔐 Admin API 认证已启用")
	} else {
		log.Warn().Msg("⚠️  Admin API 未配置认证，管理接口对外开放")
	}

	// Create HTTP server with graceful shutdown support
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("🌐 Server listening")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 Shutting down server...")

	// Give outstanding requests a deadline for completion
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("👋 Server exited")
}
