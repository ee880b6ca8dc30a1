package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"options-trading-bot/config"
	"options-trading-bot/internal/broker"
	"options-trading-bot/internal/circuit"
	"options-trading-bot/internal/exit"
	"options-trading-bot/internal/logging"
	"options-trading-bot/internal/market"
	"options-trading-bot/internal/positions"
	"options-trading-bot/internal/regime"
	"options-trading-bot/internal/risk"
	"options-trading-bot/internal/trailing"
	"options-trading-bot/internal/underlying"
)

func main() {
	// .env is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Bool("dry_run", cfg.BrokerConfig.DryRun).Msg("Risk bot starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := positions.NewPool(ctx, cfg.DatabaseConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer pool.Close()

	repo := positions.NewRepository(pool)
	if err := repo.InitSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Schema init failed")
	}

	var rdb *redis.Client
	var tickStore *market.RedisTickStore
	var exitLock *positions.RedisExitLock
	if cfg.RedisConfig.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable, continuing without distributed tick store")
		} else {
			tickStore = market.NewRedisTickStore(rdb, logger)
			exitLock = positions.NewRedisExitLock(rdb)
		}
		cancel()
		defer rdb.Close()
	}

	router := broker.NewClient(cfg.BrokerConfig, logger)
	breaker := circuit.NewBreaker(cfg.CircuitBreakerConfig)
	breaker.OnTrip(func(reason string) {
		logger.Error().Str("reason", reason).Msg("Circuit breaker tripped, broker calls suspended")
	})
	breaker.OnReset(func() {
		logger.Info().Msg("Circuit breaker closed, broker calls resumed")
	})

	tickCache := market.NewTickCache()
	freshness := time.Duration(cfg.MarketConfig.FreshnessSeconds) * time.Second
	var dist market.DistributedStore
	if tickStore != nil {
		dist = tickStore
	}
	prices := market.NewPriceSource(tickCache, dist, risk.NewGatedQuoteFetcher(router, breaker), freshness, logger)

	var feed *market.Feed
	if cfg.MarketConfig.FeedURL != "" {
		reconnect := time.Duration(cfg.MarketConfig.ReconnectSeconds) * time.Second
		feed = market.NewFeed(cfg.MarketConfig.FeedURL, tickCache, tickStore, reconnect, logger)
		feed.Start()
		defer feed.Stop()
	}

	cache := positions.NewActiveCache()
	exits := exit.NewEngine(router, repo, cache, tickCache, exitLock, logger)
	trailer := trailing.NewEngine(cfg.TrailingConfig, cfg.PeakDrawdownConfig, cache, logger)
	resolver := regime.NewResolver()

	var monitor *underlying.Monitor
	if cfg.FeatureFlags.UnderlyingAwareExit && cfg.UnderlyingExitConfig.Enabled {
		analyzer := underlying.NewStructureAnalyzer(cfg.UnderlyingExitConfig.SwingLookback, cfg.UnderlyingExitConfig.ATRPeriod)
		provider := underlying.NewBrokerCandleProvider(router, "5")
		ttl := time.Duration(cfg.UnderlyingExitConfig.CacheTTLSeconds) * time.Second
		monitor = underlying.NewMonitor(provider, prices, analyzer, cfg.UnderlyingExitConfig.CandleLookback, ttl, logger)
	}

	service := risk.NewService(cfg, repo, cache, prices, trailer, exits, monitor, resolver, breaker, router, logger)
	if err := service.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Risk manager start failed")
	}

	group, groupCtx := errgroup.WithContext(ctx)

	httpServer := &http.Server{Addr: metricsAddr(), Handler: healthMux(service)}
	group.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("Health server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		service.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error().Err(err).Msg("Risk bot exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("Risk bot stopped")
}

func metricsAddr() string {
	if addr := os.Getenv("RISKBOT_HTTP_ADDR"); addr != "" {
		return addr
	}
	return ":9100"
}

func healthMux(service *risk.Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(service.GetHealth())
	})
	return mux
}
