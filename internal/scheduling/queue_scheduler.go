package scheduling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mailsched/scheduled-mailer/internal/queue"
)

// JobName names delivery jobs in the durable queue
const JobName = "send-email"

// QueueScheduler keeps jobs in the durable queue; worker processes fire them
type QueueScheduler struct {
	queue   JobQueue
	logger  *slog.Logger
	metrics *metrics
	now     func() time.Time
}

// NewQueueScheduler creates a scheduler backed by the durable queue
func NewQueueScheduler(q JobQueue, logger *slog.Logger) *QueueScheduler {
	return &QueueScheduler{
		queue:   q,
		logger:  logger,
		metrics: newMetrics(backendQueue),
		now:     time.Now,
	}
}

func (s *QueueScheduler) ScheduleJob(ctx context.Context, jobID string, dueAt time.Time) (string, error) {
	delay := dueAt.Sub(s.now())
	if delay <= 0 {
		return "", ErrInvalidScheduleTime
	}

	switch err := s.queue.Remove(ctx, jobID); {
	case err == nil:
		s.logger.Info("Replaced existing job", slog.String("job_id", jobID))
	case errors.Is(err, queue.ErrJobNotFound):
	case errors.Is(err, queue.ErrJobLocked):
		return "", ErrInFlight
	default:
		return "", backendError("remove", err)
	}

	if _, err := s.queue.Add(ctx, JobName, jobID, jobID, delay); err != nil {
		return "", backendError("add", err)
	}

	s.metrics.add(ctx, s.metrics.scheduled)
	s.logger.Info("Job scheduled",
		slog.String("job_id", jobID),
		slog.Time("due_at", dueAt),
		slog.Duration("delay", delay),
	)
	return jobID, nil
}

// CancelJob removes a delayed or waiting job. Lookup and removal errors are
// logged and reported as false.
func (s *QueueScheduler) CancelJob(ctx context.Context, jobID string) bool {
	logger := s.logger.With(slog.String("job_id", jobID))

	job, err := s.queue.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, queue.ErrJobNotFound) {
			logger.Error("Failed to look up job for cancel", slog.Any("error", err))
		}
		return false
	}

	if job.State != queue.StateDelayed && job.State != queue.StateWaiting {
		logger.Info("Job is not pending, nothing to cancel",
			slog.String("state", job.State.String()),
		)
		return false
	}

	if err := s.queue.Remove(ctx, jobID); err != nil {
		if errors.Is(err, queue.ErrJobLocked) {
			logger.Info("Job started before it could be cancelled")
		} else if !errors.Is(err, queue.ErrJobNotFound) {
			logger.Error("Failed to remove job", slog.Any("error", err))
		}
		return false
	}

	s.metrics.add(ctx, s.metrics.cancelled)
	logger.Info("Job cancelled")
	return true
}

// RescheduleJob replaces the job with one due at dueAt. The queue cannot move
// a job in place, so the old job is removed before the new one is added; a
// crash between the two leaves the message without a job.
func (s *QueueScheduler) RescheduleJob(ctx context.Context, jobID string, dueAt time.Time) (string, error) {
	delay := dueAt.Sub(s.now())
	if delay <= 0 {
		return "", ErrInvalidScheduleTime
	}

	logger := s.logger.With(slog.String("job_id", jobID))

	job, err := s.queue.GetJob(ctx, jobID)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		logger.Info("Reschedule found no job, adding a fresh one")
		if _, err := s.queue.Add(ctx, JobName, jobID, jobID, delay); err != nil {
			return "", backendError("add", err)
		}
		s.metrics.add(ctx, s.metrics.rescheduled)
		return jobID, nil
	case err != nil:
		return "", backendError("get", err)
	}

	switch job.State {
	case queue.StateCompleted:
		return "", ErrAlreadyCompleted
	case queue.StateActive:
		return "", ErrInFlight
	}

	if err := s.queue.Remove(ctx, jobID); err != nil {
		switch {
		case errors.Is(err, queue.ErrJobLocked):
			return "", ErrInFlight
		case !errors.Is(err, queue.ErrJobNotFound):
			return "", backendError("remove", err)
		}
	}

	logger.Warn("Reschedule window open, previous job removed",
		slog.String("previous_state", job.State.String()),
	)

	if _, err := s.queue.Add(ctx, JobName, jobID, jobID, delay); err != nil {
		logger.Error("Reschedule window left open, job removed but not re-added",
			slog.Any("error", err),
		)
		return "", backendError("add", err)
	}

	s.metrics.add(ctx, s.metrics.rescheduled)
	logger.Info("Job rescheduled",
		slog.Time("due_at", dueAt),
		slog.Duration("delay", delay),
	)
	return jobID, nil
}

// Close is a no-op; the queue connection is owned by the caller
func (s *QueueScheduler) Close(ctx context.Context) error {
	return nil
}
