package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"cutout/internal/adapter/repo"
	"cutout/internal/cache"
	httpapi "cutout/internal/http"
	"cutout/internal/http/handlers"
	"cutout/internal/infra"
	"cutout/internal/service"
	"cutout/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := infra.RunMigrations(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	var statusCache cache.Cache
	if redisCache, err := cache.NewRedisCache(cfg.RedisURL); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, status cache and rate limiting disabled")
	} else {
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("redis ping failed, continuing without cache")
		}
		statusCache = redisCache
		defer redisCache.Close()
	}

	files, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}

	accounts := repo.NewAccountRepository(dbpool)
	projects := repo.NewProjectRepository(dbpool)
	queueRepo := repo.NewQueueRepository(dbpool)
	catalog := cfg.PlanCatalog()

	lifecycle := service.NewLifecycle(service.LifecycleOptions{
		Accounts:    accounts,
		Projects:    projects,
		Queue:       queueRepo,
		Files:       files,
		Cache:       statusCache,
		Catalog:     catalog,
		Retention:   cfg.RetentionWindow,
		MaxAttempts: cfg.QueueMaxAttempts,
		BackoffBase: cfg.QueueBackoffBase,
		Logger:      logger,
	})

	sweeper := service.NewSweeper(projects, files, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	reset := service.NewMonthlyReset(accounts, cfg.ResetInterval, logger)
	go reset.Run(ctx)

	app := handlers.NewApp(lifecycle, files, accounts, catalog, cfg.MaxUploadBytes, logger)
	router := httpapi.NewRouter(app, httpapi.RouterOptions{
		Cache:           statusCache,
		Logger:          logger,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	server := infra.NewHTTPServer(cfg, router)
	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
