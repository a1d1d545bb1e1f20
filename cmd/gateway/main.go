package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/samudra-paket/gateway/internal/config"
	"github.com/samudra-paket/gateway/internal/gateway"
	"github.com/samudra-paket/gateway/internal/gateway/cache"
	"github.com/samudra-paket/gateway/internal/logging"
	"github.com/samudra-paket/gateway/internal/metrics"
	"github.com/samudra-paket/gateway/internal/server"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to gateway configuration file")
		envPrefix  = flag.String("env-prefix", "SAMUDRA", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	store := buildResponseCache(logger.With(slog.String("component", "cache_factory")), cfg.Server.Cache)

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	gw, err := gateway.New(cfg, store, recorder, logger)
	if err != nil {
		logger.Error("unable to assemble gateway", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := gw.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	handler := server.NewHandler(gw, recorder.Handler())
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("gateway configured",
		slog.Any("routes", cfg.RouteNames()),
		slog.String("cache_backend", cfg.Server.Cache.Backend),
		slog.Bool("development", cfg.DevelopmentMode()))

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("gateway shutdown complete")
}

// buildResponseCache selects the cache backend. Redis failures fall back to
// the in-process cache so the gateway still starts when redis is down.
func buildResponseCache(logger *slog.Logger, cfg config.CacheConfig) cache.ResponseCache {
	ttl := cfg.CacheTTL()
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", "memory":
		logger.Info("using memory response cache", slog.Duration("ttl", ttl))
		return cache.NewMemory(ttl)
	case "redis":
		redisCache, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return cache.NewMemory(ttl)
		}
		logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		return redisCache
	default:
		logger.Warn("unknown cache backend, using memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory(ttl)
	}
}
