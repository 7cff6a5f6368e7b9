package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/cache"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/database"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/downloader"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/queue"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/storage"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/tracing"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/webhook"
	"github.com/therealutkarshpriyadarshi/hlsmux/pkg/models"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format(),
		Output:  "stdout",
		Service: "hlsmux-worker",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	closer, err := tracing.Init(cfg.Tracing)
	if err != nil {
		logger.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer closer.Close()

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	repo := database.NewRepository(db)

	// Initialize cache
	c, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer c.Close()

	// Initialize queue
	q, err := queue.New(cfg.Queue, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	options := []downloader.Option{}
	if cfg.Storage.Enabled {
		stor, err := storage.New(cfg.Storage, logger)
		if err != nil {
			logger.Fatalf("Failed to initialize storage: %v", err)
		}
		options = append(options, downloader.WithObjectStore(stor))
	}

	hooks := webhook.NewService(cfg.Webhook, logger)
	if hooks.Enabled() {
		options = append(options, downloader.WithNotifier(hooks))
	}

	service := downloader.NewService(cfg.Downloader, cfg.Pipeline, repo, c, logger, options...)
	logger = logger.WithWorkerID(service.WorkerID())

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics.Port, logger,
			metrics.WithRunningTasks(service.Running),
			metrics.WithHealthCheck(func(ctx context.Context) error {
				if err := db.Health(ctx); err != nil {
					return fmt.Errorf("database: %w", err)
				}
				return c.Ping(ctx)
			}),
		)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.ErrorWithErr("metrics server stopped", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(ctx)
		}()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	handler := func(ctx context.Context, task *models.Task) error {
		logger.WithTaskID(task.ID).Infof("Processing task for %s", task.URL)

		if err := service.ProcessTask(ctx, task); err != nil {
			if errors.Is(err, downloader.ErrTaskLocked) {
				// Another worker owns it, drop the duplicate delivery
				logger.WithTaskID(task.ID).Warn("task is already running elsewhere")
				return nil
			}
			logger.WithTaskID(task.ID).ErrorWithErr("Failed to process task", err)
			return err
		}

		logger.WithTaskID(task.ID).Info("Task finished")
		return nil
	}

	// Start consuming tasks
	logger.Info("Worker started, waiting for tasks...")
	if err := q.ConsumeTasks(ctx, handler); err != nil {
		logger.Fatalf("Failed to consume tasks: %v", err)
	}

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("Worker stopped")
}
