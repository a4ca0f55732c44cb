package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"knowq-worker/internal/config"
	"knowq-worker/internal/db"
	"knowq-worker/internal/events"
	"knowq-worker/internal/handlers"
	"knowq-worker/internal/logging"
	"knowq-worker/internal/metrics"
	"knowq-worker/internal/models"
	"knowq-worker/internal/queue"
	"knowq-worker/internal/taskstore"
	"knowq-worker/internal/web"
	"knowq-worker/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func run() error {
	// 1. Config: env, then optional config file, then flags.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	configPath, err := config.ResolveConfigPath(os.Args[1:])
	if err != nil {
		return err
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		return err
	}
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		return err
	}

	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	fs.String("config", configPath, "Path to a YAML or TOML config file")
	cfg.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// 2. Logging
	logger := logging.Init(cfg.WorkerID)
	logger.Info("Starting worker",
		"worker_id", cfg.WorkerID,
		"workers", cfg.WorkerCount,
		"queue_prefix", cfg.QueuePrefix)

	// 3. Signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Stores
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect task record store: %w", err)
	}
	defer pool.Close()

	redisClient, err := db.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("connect queue store: %w", err)
	}
	defer redisClient.Close()

	store := taskstore.New(pool)
	manager := queue.NewManager(redisClient, queue.ManagerOptions{
		Prefix:      cfg.QueuePrefix,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}, logger)

	// 5. Components
	broker := events.NewBroker(0)

	registry := worker.NewRegistry()
	if len(cfg.TaskTypes) > 0 {
		types := make([]models.TaskType, 0, len(cfg.TaskTypes))
		for _, t := range cfg.TaskTypes {
			types = append(types, models.TaskType(t))
		}
		if err := handlers.RegisterTypes(registry, types); err != nil {
			return err
		}
	} else if err := handlers.RegisterAll(registry); err != nil {
		return err
	}

	workerPool := worker.New(worker.Config{
		Workers:            cfg.WorkerCount,
		IDPrefix:           cfg.WorkerID,
		PopTimeout:         cfg.PopTimeout,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		WorkerTTL:          cfg.WorkerTTL,
		DefaultTaskTimeout: cfg.DefaultTaskTimeout,
	}, manager, store, registry, logger, broker)

	scheduler := queue.NewScheduler(manager, store, queue.SchedulerConfig{
		ScheduledInterval: cfg.ScheduledInterval,
		ExpiredInterval:   cfg.ExpiredInterval,
		ExpiredMaxAge:     cfg.ExpiredMaxAge,
		ReclaimInterval:   cfg.ReclaimInterval,
		DefaultTimeout:    cfg.DefaultTaskTimeout,
		RequeueAge:        cfg.ExpiredMaxAge,
	}, logger, broker)

	metrics.StartCollector(ctx, manager, 0, logger)

	server := web.NewServer(manager, store, broker, cfg.HealthAddr, cfg.AuthToken, logger)
	webErr := make(chan error, 1)
	go func() {
		webErr <- server.Start(ctx)
	}()

	// 6. Run
	if err := workerPool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		workerPool.Stop()
		return fmt.Errorf("start scheduler: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("Received signal, shutting down")
	case err := <-webErr:
		if err != nil {
			logger.Error("Web server failed", "error", err)
		}
		stop()
	}

	// 7. Graceful shutdown: stop pulling, let in-flight tasks finish.
	scheduler.Stop()
	workerPool.Stop()

	logger.Info("Worker stopped cleanly")
	return nil
}
