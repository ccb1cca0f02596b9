package handler

import (
	"context"
	"log/slog"

	"github.com/mailsched/scheduled-mailer/internal/domain"
	"github.com/mailsched/scheduled-mailer/internal/scheduling"
	"github.com/mailsched/scheduled-mailer/internal/storage"
)

// MessageStore is the message persistence the handlers use
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	UpdateMessage(ctx context.Context, id string, update domain.MessageUpdate) (*domain.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, filter storage.MessageFilter) ([]domain.Message, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     MessageStore
	Scheduler scheduling.Scheduler
	// HealthChecks are run by GET /health, keyed by component name
	HealthChecks map[string]func(ctx context.Context) error
}

// MessageHandler handles message-related HTTP requests
type MessageHandler struct {
	logger    *slog.Logger
	store     MessageStore
	scheduler scheduling.Scheduler
}

// NewMessageHandler creates a new MessageHandler instance
func NewMessageHandler(deps *Dependencies) *MessageHandler {
	return &MessageHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		scheduler: deps.Scheduler,
	}
}
