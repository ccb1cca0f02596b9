package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mailsched/scheduled-mailer/internal/domain"
	"github.com/mailsched/scheduled-mailer/internal/mailer"
)

// MessageStore is the persistence the pipeline needs
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Transport sends one email
type Transport interface {
	Send(ctx context.Context, to, subject, body string) mailer.Result
}

// Pipeline loads a due message, sends it and records the outcome
type Pipeline struct {
	store     MessageStore
	transport Transport
	logger    *slog.Logger
}

// NewPipeline creates a delivery pipeline
func NewPipeline(store MessageStore, transport Transport, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		transport: transport,
		logger:    logger,
	}
}

// Process delivers the message with the given id.
//
// Missing and non-pending messages are skipped, which makes a duplicate
// invocation harmless. A transport failure is recorded as FAILED and is not
// an error. An error is returned only when no outcome could be recorded.
func (p *Pipeline) Process(ctx context.Context, messageID string) error {
	logger := p.logger.With(slog.String("message_id", messageID))

	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			logger.Info("Message no longer exists, skipping delivery")
			return nil
		}
		return p.recordFailure(ctx, logger, messageID, fmt.Errorf("failed to load message: %w", err))
	}

	if !msg.IsPending() {
		logger.Info("Message is not pending, skipping delivery",
			slog.String("status", msg.Status.String()),
		)
		return nil
	}

	result := p.transport.Send(ctx, msg.Recipient, msg.Subject, msg.Body)
	if !result.Success {
		logger.Warn("Message delivery failed",
			slog.String("reason", result.Error),
		)
		if err := p.store.MarkFailed(ctx, messageID, result.Error); err != nil {
			return p.storeOutcomeError(logger, err)
		}
		return nil
	}

	if err := p.store.MarkSent(ctx, messageID); err != nil {
		if errors.Is(err, domain.ErrMessageNotPending) {
			return p.storeOutcomeError(logger, err)
		}
		return p.recordFailure(ctx, logger, messageID, fmt.Errorf("failed to mark message sent: %w", err))
	}

	logger.Info("Message delivered")
	return nil
}

// recordFailure makes a best-effort attempt to store cause as the failure reason
func (p *Pipeline) recordFailure(ctx context.Context, logger *slog.Logger, messageID string, cause error) error {
	logger.Error("Delivery pipeline error",
		slog.Any("error", cause),
	)

	if err := p.store.MarkFailed(ctx, messageID, cause.Error()); err != nil {
		if errors.Is(err, domain.ErrMessageNotPending) {
			return nil
		}
		logger.Error("Failed to record delivery failure",
			slog.Any("error", err),
		)
		return cause
	}

	return nil
}

// storeOutcomeError handles a failed status write after a send attempt
func (p *Pipeline) storeOutcomeError(logger *slog.Logger, err error) error {
	if errors.Is(err, domain.ErrMessageNotPending) {
		logger.Info("Message status changed concurrently, outcome not recorded")
		return nil
	}
	logger.Error("Failed to record delivery outcome",
		slog.Any("error", err),
	)
	return fmt.Errorf("failed to record delivery outcome: %w", err)
}
