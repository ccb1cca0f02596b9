package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Publisher hands due jobs to the consumers
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Promoter polls the delayed set, publishes jobs that became due and
// recovers jobs whose worker died.
type Promoter struct {
	queue     *Queue
	publisher Publisher
	logger    *slog.Logger
}

// NewPromoter creates a promoter for the queue
func NewPromoter(queue *Queue, publisher Publisher, logger *slog.Logger) *Promoter {
	return &Promoter{
		queue:     queue,
		publisher: publisher,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled
func (p *Promoter) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.queue.opts.PollInterval)
	defer ticker.Stop()

	p.logger.Info("Promoter started",
		slog.Duration("poll_interval", p.queue.opts.PollInterval),
		slog.Int("batch_size", p.queue.opts.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Promoter stopped")
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one recovery and promotion pass
func (p *Promoter) Tick(ctx context.Context) {
	stalled, requeued, err := p.queue.RecoverStalled(ctx)
	if err != nil {
		p.logger.Error("Failed to recover stalled jobs", slog.Any("error", err))
	} else if stalled > 0 || requeued > 0 {
		p.logger.Warn("Recovered stalled jobs",
			slog.Int("stalled", stalled),
			slog.Int("requeued", requeued),
		)
	}

	due, err := p.queue.PromoteDue(ctx)
	if err != nil {
		p.logger.Error("Failed to promote due jobs", slog.Any("error", err))
		return
	}

	for _, job := range due {
		p.publish(ctx, job)
	}
}

func (p *Promoter) publish(ctx context.Context, job DueJob) {
	body, err := json.Marshal(Delivery{JobID: job.ID, Token: job.Token})
	if err != nil {
		p.logger.Error("Failed to encode delivery",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	if err := p.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		p.logger.Error("Failed to publish due job, returning it to delayed",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		if err := p.queue.Requeue(ctx, job.ID, job.Token, p.queue.opts.PollInterval); err != nil {
			p.logger.Error("Failed to requeue job",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
		return
	}

	p.logger.Debug("Due job published", slog.String("job_id", job.ID))
}
