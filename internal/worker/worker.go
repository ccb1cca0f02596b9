package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mailsched/scheduled-mailer/internal/queue"
)

// DeliverySource yields broker deliveries for due jobs
type DeliverySource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
}

// JobQueue is the part of the durable queue a worker drives
type JobQueue interface {
	Activate(ctx context.Context, id, token string) (*queue.Job, error)
	ExtendLock(ctx context.Context, id, token string) error
	Complete(ctx context.Context, id, token string) error
	Fail(ctx context.Context, id, token, reason string) (bool, error)
}

// Processor runs the delivery for a job payload
type Processor interface {
	Process(ctx context.Context, messageID string) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Source            DeliverySource
	Queue             JobQueue
	Processor         Processor
	Concurrency       int
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
}

// Worker consumes due jobs and runs them on a bounded goroutine pool
type Worker struct {
	logger            *slog.Logger
	source            DeliverySource
	queue             JobQueue
	processor         Processor
	workerID          string
	concurrency       int
	heartbeatInterval time.Duration
	shutdownTimeout   time.Duration
	jobsChan          chan *jobMessage
	wg                sync.WaitGroup
}

// jobMessage is a parsed delivery waiting for a pool goroutine
type jobMessage struct {
	queue.Delivery
	delivery amqp.Delivery
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 30 * time.Second
	}

	return &Worker{
		logger:            cfg.Logger,
		source:            cfg.Source,
		queue:             cfg.Queue,
		processor:         cfg.Processor,
		workerID:          fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		concurrency:       concurrency,
		heartbeatInterval: heartbeat,
		shutdownTimeout:   shutdown,
		jobsChan:          make(chan *jobMessage),
	}
}

// ID returns the consumer tag of this worker
func (w *Worker) ID() string {
	return w.workerID
}

// Start consumes until ctx is cancelled or the broker closes the delivery
// channel, then drains the pool.
// In-flight jobs get ShutdownTimeout to finish before their context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("heartbeat_interval", w.heartbeatInterval),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	// Jobs keep running after ctx is cancelled so they can record their outcome
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	w.spawnWorkerPool(jobCtx)
	dispatchErr := w.startMessageDispatcher(ctx, deliveries)

	if dispatchErr == nil {
		if err := w.source.Cancel(w.workerID); err != nil {
			w.logger.Warn("Failed to cancel consumer", slog.Any("error", err))
		}
	}

	w.stop(cancelJobs)
	return dispatchErr
}

// stop closes the pool input and waits for in-flight jobs
func (w *Worker) stop(cancelJobs context.CancelFunc) {
	w.logger.Info("Stopping worker...")
	close(w.jobsChan)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
	case <-time.After(w.shutdownTimeout):
		w.logger.Warn("Shutdown timeout reached, cancelling in-flight jobs",
			slog.Duration("timeout", w.shutdownTimeout),
		)
		cancelJobs()
		<-done
		w.logger.Info("Worker stopped")
	}
}
