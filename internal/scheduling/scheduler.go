package scheduling

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mailsched/scheduled-mailer/internal/config"
	"github.com/mailsched/scheduled-mailer/internal/queue"
)

// Scheduler arms one delivery job per message and fires it at its due time.
// Every operation is keyed by the job id, which is the message id.
type Scheduler interface {
	// ScheduleJob arms a job, replacing any pending job with the same id
	ScheduleJob(ctx context.Context, jobID string, dueAt time.Time) (string, error)
	// CancelJob reports whether a pending job was found and cancelled
	CancelJob(ctx context.Context, jobID string) bool
	// RescheduleJob moves a job to a new due time, keeping its id
	RescheduleJob(ctx context.Context, jobID string, dueAt time.Time) (string, error)
	// Close releases what the backing holds in memory
	Close(ctx context.Context) error
}

// JobLister is implemented by backings that can enumerate pending jobs
type JobLister interface {
	ListJobs() []ArmedJob
}

// Processor delivers the message behind a fired job
type Processor interface {
	Process(ctx context.Context, messageID string) error
}

// JobQueue is the durable queue the queue backing drives
type JobQueue interface {
	Add(ctx context.Context, name, id, payload string, delay time.Duration) (*queue.Job, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	Remove(ctx context.Context, id string) error
}

// Deps are the collaborators a backing may need
type Deps struct {
	// Pipeline is invoked by in-process timers
	Pipeline Processor
	// Queue stores jobs in durable mode; workers invoke the pipeline
	Queue  JobQueue
	Logger *slog.Logger
}

// New builds the scheduler backing selected by cfg.UseDurableQueue
func New(cfg config.SchedulerConfig, deps Deps) (Scheduler, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.UseDurableQueue {
		if deps.Queue == nil {
			return nil, errors.New("durable scheduling requires a job queue")
		}
		logger.Info("Scheduler backing selected", slog.String("backend", backendQueue))
		return NewQueueScheduler(deps.Queue, logger), nil
	}

	if deps.Pipeline == nil {
		return nil, errors.New("in-process scheduling requires a delivery pipeline")
	}
	logger.Warn("Scheduler uses in-process timers; pending jobs are lost on restart",
		slog.String("backend", backendTimer),
	)
	return NewTimerScheduler(deps.Pipeline, logger), nil
}

const (
	backendTimer = "timer"
	backendQueue = "queue"
)

// TimerScheduler fires jobs from in-process timers
type TimerScheduler struct {
	store    *TimerStore
	pipeline Processor
	logger   *slog.Logger
	metrics  *metrics
}

// NewTimerScheduler creates an in-process scheduler that calls pipeline on fire
func NewTimerScheduler(pipeline Processor, logger *slog.Logger) *TimerScheduler {
	return &TimerScheduler{
		store:    NewTimerStore(logger),
		pipeline: pipeline,
		logger:   logger,
		metrics:  newMetrics(backendTimer),
	}
}

func (s *TimerScheduler) ScheduleJob(ctx context.Context, jobID string, dueAt time.Time) (string, error) {
	if err := s.store.Schedule(jobID, dueAt, s.fire); err != nil {
		return "", err
	}

	s.metrics.add(ctx, s.metrics.scheduled)
	s.logger.Info("Job scheduled",
		slog.String("job_id", jobID),
		slog.Time("due_at", dueAt),
	)
	return jobID, nil
}

func (s *TimerScheduler) CancelJob(ctx context.Context, jobID string) bool {
	if !s.store.Cancel(jobID) {
		return false
	}

	s.metrics.add(ctx, s.metrics.cancelled)
	s.logger.Info("Job cancelled", slog.String("job_id", jobID))
	return true
}

func (s *TimerScheduler) RescheduleJob(ctx context.Context, jobID string, dueAt time.Time) (string, error) {
	existed, err := s.store.Reschedule(jobID, dueAt, s.fire)
	if err != nil {
		return "", err
	}

	if !existed {
		s.logger.Info("Reschedule found no armed job, armed a fresh one",
			slog.String("job_id", jobID),
		)
	}

	s.metrics.add(ctx, s.metrics.rescheduled)
	s.logger.Info("Job rescheduled",
		slog.String("job_id", jobID),
		slog.Time("due_at", dueAt),
	)
	return jobID, nil
}

// ListJobs returns the armed timers ordered by due time
func (s *TimerScheduler) ListJobs() []ArmedJob {
	return s.store.List()
}

// Close stops all armed timers
func (s *TimerScheduler) Close(ctx context.Context) error {
	n := s.store.Clear()
	s.logger.Info("Timer scheduler closed", slog.Int("cleared", n))
	return nil
}

func (s *TimerScheduler) fire(ctx context.Context, jobID string) error {
	s.metrics.add(ctx, s.metrics.fired)
	s.logger.Info("Job fired", slog.String("job_id", jobID))
	return s.pipeline.Process(ctx, jobID)
}
