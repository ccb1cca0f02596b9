package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop processes jobs until jobsChan is closed
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))
	logger.Debug("Worker goroutine started")

	for msg := range w.jobsChan {
		w.processJob(ctx, logger, msg)
	}

	logger.Debug("Worker goroutine stopping - jobsChan closed")
}

// ack acknowledges a delivery. Every delivery that reached the pool is acked;
// retries are scheduled by the queue, not by redelivery.
func (w *Worker) ack(logger *slog.Logger, msg *jobMessage) {
	if err := msg.delivery.Ack(false); err != nil {
		logger.Error("Failed to ACK message",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
	}
}
