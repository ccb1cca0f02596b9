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
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mailsched/scheduled-mailer/internal/config"
	"github.com/mailsched/scheduled-mailer/internal/delivery"
	"github.com/mailsched/scheduled-mailer/internal/mailer"
	"github.com/mailsched/scheduled-mailer/internal/queue"
	"github.com/mailsched/scheduled-mailer/internal/storage"
	"github.com/mailsched/scheduled-mailer/internal/worker"
	"github.com/mailsched/scheduled-mailer/shared/logger"
	"github.com/mailsched/scheduled-mailer/shared/postgresql"
	"github.com/mailsched/scheduled-mailer/shared/rabbitmq"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize Redis client
	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer redisClient.Close()

	appLogger.Info("Redis connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	jobQueue := queue.New(redisClient.GetClient(), queueOptions(&cfg.Queue), appLogger.Logger)
	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	pipeline := delivery.NewPipeline(store, initMailer(&cfg.Mailer, appLogger.Logger), appLogger.Logger)

	promoter := queue.NewPromoter(jobQueue, rabbitClient, appLogger.Logger)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Source:            rabbitClient,
		Queue:             jobQueue,
		Processor:         pipeline,
		Concurrency:       cfg.Worker.Concurrency,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ShutdownTimeout:   cfg.Worker.ShutdownTimeout,
	})

	// Retention housekeeping; completion and terminal failure also clean
	housekeeping := cron.New()
	if _, err := housekeeping.AddFunc(cfg.Queue.CleanSpec, func() {
		cleanQueue(jobQueue, appLogger.Logger)
	}); err != nil {
		return fmt.Errorf("invalid clean_spec: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return promoter.Run(gctx)
	})

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	g.Go(func() error {
		housekeeping.Start()
		<-gctx.Done()
		<-housekeeping.Stop().Done()
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case amqpErr, ok := <-rabbitClient.NotifyClose():
			if !ok || amqpErr == nil {
				return errors.New("rabbitmq channel closed")
			}
			return fmt.Errorf("rabbitmq channel closed: %w", amqpErr)
		}
	})

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
	)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		appLogger.Error("Worker service stopped with error",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

func cleanQueue(jobQueue *queue.Queue, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := jobQueue.Clean(ctx)
	if err != nil {
		logger.Error("Queue clean failed", slog.Any("error", err))
		return
	}

	counts, err := jobQueue.Counts(ctx)
	if err != nil {
		logger.Error("Failed to read queue counts", slog.Any("error", err))
		return
	}

	logger.Info("Queue cleaned",
		slog.Int("removed", removed),
		slog.Int64("delayed", counts[queue.StateDelayed]),
		slog.Int64("waiting", counts[queue.StateWaiting]),
		slog.Int64("active", counts[queue.StateActive]),
		slog.Int64("completed", counts[queue.StateCompleted]),
		slog.Int64("failed", counts[queue.StateFailed]),
	)
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

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		ConsumerExclusive:  cfg.Consumer.Exclusive,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
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
