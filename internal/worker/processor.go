package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailsched/scheduled-mailer/internal/queue"
)

// processJob claims the job behind a delivery, runs the pipeline and records
// the outcome in the queue
func (w *Worker) processJob(ctx context.Context, logger *slog.Logger, msg *jobMessage) {
	logger = logger.With(slog.String("job_id", msg.JobID))

	job, err := w.queue.Activate(ctx, msg.JobID, msg.Token)
	if err != nil {
		if errors.Is(err, queue.ErrStaleDelivery) {
			logger.Info("Dropping stale delivery")
			w.ack(logger, msg)
			return
		}
		// The job stays waiting; RecoverStalled delays and republishes it
		// once it is older than the lock duration.
		logger.Error("Failed to activate job, leaving it to stalled recovery", slog.Any("error", err))
		w.ack(logger, msg)
		return
	}

	logger.Info("Processing job",
		slog.Int("attempt", job.AttemptsMade),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(ctx, logger, job, heartbeatDone)

	start := time.Now()
	err = w.runPipeline(ctx, job.Payload)
	close(heartbeatDone)

	if err == nil {
		if cerr := w.queue.Complete(ctx, job.ID, job.Token); cerr != nil {
			logger.Error("Failed to complete job", slog.Any("error", cerr))
		} else {
			logger.Info("Job completed successfully",
				slog.Duration("duration", time.Since(start)),
			)
		}
		w.ack(logger, msg)
		return
	}

	logger.Error("Job execution failed", slog.String("error", err.Error()))

	retrying, ferr := w.queue.Fail(ctx, job.ID, job.Token, err.Error())
	switch {
	case ferr != nil:
		logger.Error("Failed to record job failure", slog.Any("error", ferr))
	case retrying:
		logger.Info("Job will be retried",
			slog.Int("attempt", job.AttemptsMade),
			slog.Int("max_attempts", job.MaxAttempts),
		)
	default:
		logger.Warn("Job exceeded max attempts",
			slog.Int("max_attempts", job.MaxAttempts),
		)
	}
	w.ack(logger, msg)
}

// runPipeline turns a panic in the pipeline into an error so the pool survives it
func (w *Worker) runPipeline(ctx context.Context, messageID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panicked: %v", r)
		}
	}()

	return w.processor.Process(ctx, messageID)
}

// sendJobHeartbeat keeps the job lock alive while the pipeline runs
func (w *Worker) sendJobHeartbeat(ctx context.Context, logger *slog.Logger, job *queue.Job, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.queue.ExtendLock(ctx, job.ID, job.Token); err != nil {
				logger.Warn("Failed to extend job lock", slog.String("error", err.Error()))
				if errors.Is(err, queue.ErrLockLost) {
					return
				}
				continue
			}
			logger.Debug("Job heartbeat updated")
		}
	}
}
