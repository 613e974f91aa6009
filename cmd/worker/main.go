package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cutout/internal/adapter/repo"
	"cutout/internal/infra"
	"cutout/internal/queue"
	"cutout/internal/service"
	"cutout/internal/storage"
)

const simulatedProcessingDelay = 3 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	files, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	accounts := repo.NewAccountRepository(pool)
	projects := repo.NewProjectRepository(pool)
	queueRepo := repo.NewQueueRepository(pool)
	catalog := cfg.PlanCatalog()

	lifecycle := service.NewLifecycle(service.LifecycleOptions{
		Accounts:    accounts,
		Projects:    projects,
		Queue:       queueRepo,
		Files:       files,
		Catalog:     catalog,
		Retention:   cfg.RetentionWindow,
		MaxAttempts: cfg.QueueMaxAttempts,
		BackoffBase: cfg.QueueBackoffBase,
		Logger:      logger,
	})

	consumer := queue.NewConsumer(queue.ConsumerOptions{
		Queue:     queueRepo,
		Projects:  projects,
		Accounts:  accounts,
		Lifecycle: lifecycle,
		Processor: queue.NewSimulatedProcessor(files, simulatedProcessingDelay),
		Catalog:   catalog,
		Poll:      cfg.WorkerPollEvery,
		Logger:    logger,
	})

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
