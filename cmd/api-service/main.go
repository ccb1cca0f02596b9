package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/mailsched/scheduled-mailer/internal/api/handler"
	"github.com/mailsched/scheduled-mailer/internal/api/router"
	"github.com/mailsched/scheduled-mailer/internal/config"
	"github.com/mailsched/scheduled-mailer/internal/delivery"
	"github.com/mailsched/scheduled-mailer/internal/mailer"
	"github.com/mailsched/scheduled-mailer/internal/queue"
	"github.com/mailsched/scheduled-mailer/internal/scheduling"
	"github.com/mailsched/scheduled-mailer/internal/storage"
	"github.com/mailsched/scheduled-mailer/shared/logger"
	"github.com/mailsched/scheduled-mailer/shared/postgresql"
	"github.com/mailsched/scheduled-mailer/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("durable_queue", cfg.Scheduler.UseDurableQueue),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if err := dbClient.Migrate(context.Background()); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	appLogger.Info("Database connection established")

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	pipeline := delivery.NewPipeline(store, initMailer(&cfg.Mailer, appLogger.Logger), appLogger.Logger)

	healthChecks := map[string]func(ctx context.Context) error{
		"postgres": dbClient.HealthCheck,
	}

	deps := scheduling.Deps{
		Pipeline: pipeline,
		Logger:   appLogger.Logger,
	}

	// Durable mode keeps jobs in Redis; the worker service delivers them
	if cfg.Scheduler.UseDurableQueue {
		redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()

		deps.Queue = queue.New(redisClient.GetClient(), queueOptions(&cfg.Queue), appLogger.Logger)
		healthChecks["redis"] = redisClient.HealthCheck

		appLogger.Info("Redis connection established")
	}

	scheduler, err := scheduling.New(cfg.Scheduler, deps)
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	// Periodic report of pending messages whose send time has passed
	var overdueCron *cron.Cron
	if cfg.Scheduler.OverdueCheckSpec != "" {
		overdueCron = cron.New()
		if _, err := overdueCron.AddFunc(cfg.Scheduler.OverdueCheckSpec, func() {
			reportOverdue(store, appLogger.Logger)
		}); err != nil {
			return fmt.Errorf("invalid overdue_check_spec: %w", err)
		}
		overdueCron.Start()
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:       appLogger.Logger,
		Store:        store,
		Scheduler:    scheduler,
		HealthChecks: healthChecks,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	if overdueCron != nil {
		<-overdueCron.Stop().Done()
	}

	if err := scheduler.Close(ctx); err != nil {
		appLogger.Error("Failed to close scheduler", slog.Any("error", err))
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

func reportOverdue(store *storage.Storage, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	count, err := store.CountOverdue(ctx, time.Now())
	if err != nil {
		logger.Error("Failed to count overdue messages", slog.Any("error", err))
		return
	}
	if count > 0 {
		logger.Warn("Pending messages are past their send time",
			slog.Int("count", count),
		)
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRedis initializes the Redis client backing the job queue
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

func queueOptions(cfg *config.QueueConfig) queue.Options {
	return queue.Options{
		KeyPrefix:        cfg.KeyPrefix,
		PollInterval:     cfg.PollInterval,
		BatchSize:        cfg.BatchSize,
		Attempts:         cfg.Attempts,
		Backoff:          cfg.Backoff,
		LockDuration:     cfg.LockDuration,
		RemoveOnComplete: queue.Retention{Count: cfg.RemoveOnComplete.Count, Age: cfg.RemoveOnComplete.Age},
		RemoveOnFail:     queue.Retention{Count: cfg.RemoveOnFail.Count, Age: cfg.RemoveOnFail.Age},
	}
}

func initMailer(cfg *config.MailerConfig, logger *slog.Logger) *mailer.Client {
	return mailer.NewClient(mailer.Config{
		BaseURL:       cfg.BaseURL,
		APIKey:        cfg.APIKey,
		From:          cfg.From,
		Timeout:       cfg.Timeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	}, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
