package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/hlsmux/internal/cache"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/database"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/middleware"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/queue"
	"github.com/therealutkarshpriyadarshi/hlsmux/internal/scheduler"
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
		Service: "hlsmux-api",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.EnsureSchema(context.Background()); err != nil {
		logger.Fatalf("Failed to apply schema: %v", err)
	}

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

	api := &API{
		repo:  repo,
		queue: q,
		cache: c,
		health: func(ctx context.Context) error {
			if err := db.Health(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
			if err := c.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
		logger: logger,
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(repo, q, logger, cfg.Scheduler.Interval, cfg.Scheduler.BatchSize)
		go sched.Run(bgCtx)
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	go limiter.Cleanup(bgCtx, 10*time.Minute)

	router := setupRouter(api, cfg.Server, limiter)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}

func setupRouter(api *API, cfg config.ServerConfig, limiter *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Logger(api.logger))

	router.GET("/health", api.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	if cfg.JWTSecret != "" {
		v1.Use(middleware.JWTAuth(cfg.JWTSecret))
	}
	if limiter != nil {
		v1.Use(middleware.RateLimit(limiter))
	}
	{
		v1.POST("/tasks", api.createTask)
		v1.GET("/tasks", api.listTasks)
		v1.GET("/tasks/:id", api.getTask)
		v1.POST("/tasks/:id/stop", api.stopTask)
		v1.GET("/stats", api.taskStats)
	}

	return router
}
