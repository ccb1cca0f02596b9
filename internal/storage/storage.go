package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mailsched/scheduled-mailer/internal/domain"
)

const messageColumns = `id, recipient, subject, body, send_at, status, failure_reason, created_at, updated_at`

// Storage handles all message persistence
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// MessageFilter narrows ListMessages
type MessageFilter struct {
	Status   domain.MessageStatus
	PageSize int
	Cursor   *MessageCursor
}

// MessageCursor is the keyset position of the last message on a page
type MessageCursor struct {
	CreatedAt time.Time
	ID        string
}

// CreateMessage inserts a new message
func (s *Storage) CreateMessage(ctx context.Context, msg *domain.Message) error {
	query := `
		INSERT INTO messages (
			id, recipient, subject, body,
			send_at, status, failure_reason, created_at, updated_at
		) VALUES (
			:id, :recipient, :subject, :body,
			:send_at, :status, :failure_reason, :created_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, msg); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	return nil
}

// GetMessage retrieves a message by id
func (s *Storage) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	var msg domain.Message
	if err := s.db.GetContext(ctx, &msg, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &msg, nil
}

// UpdateMessage applies the non-nil fields of update to a pending message
// and returns the stored result
func (s *Storage) UpdateMessage(ctx context.Context, id string, update domain.MessageUpdate) (*domain.Message, error) {
	sets := []string{}
	args := []interface{}{}
	argIdx := 1

	add := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if update.Recipient != nil {
		add("recipient", *update.Recipient)
	}
	if update.Subject != nil {
		add("subject", *update.Subject)
	}
	if update.Body != nil {
		add("body", *update.Body)
	}
	if update.SendAt != nil {
		add("send_at", *update.SendAt)
	}
	sets = append(sets, "updated_at = NOW()")

	query := fmt.Sprintf(
		`UPDATE messages SET %s WHERE id = $%d AND status = $%d RETURNING %s`,
		strings.Join(sets, ", "), argIdx, argIdx+1, messageColumns,
	)
	args = append(args, id, domain.MessageStatusPending)

	var msg domain.Message
	if err := s.db.GetContext(ctx, &msg, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.notPendingOrMissing(ctx, id)
		}
		return nil, fmt.Errorf("failed to update message: %w", err)
	}

	return &msg, nil
}

// DeleteMessage removes a message
func (s *Storage) DeleteMessage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrMessageNotFound
	}

	return nil
}

// ListMessages returns up to PageSize+1 messages ordered newest first; the
// extra row tells the caller whether another page exists
func (s *Storage) ListMessages(ctx context.Context, filter MessageFilter) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var messages []domain.Message
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	return messages, nil
}

// MarkSent moves a pending message to SENT and clears any failure reason.
// Returns domain.ErrMessageNotPending when the message already left PENDING.
func (s *Storage) MarkSent(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.MessageStatusSent, nil)
}

// MarkFailed moves a pending message to FAILED with the given reason
func (s *Storage) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, domain.MessageStatusFailed, &reason)
}

// transition performs the guarded PENDING -> status change
func (s *Storage) transition(ctx context.Context, id string, status domain.MessageStatus, reason *string) error {
	query := `
		UPDATE messages
		SET status = $1,
			failure_reason = $2,
			updated_at = NOW()
		WHERE id = $3
		  AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, status, reason, id, domain.MessageStatusPending)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Message status update skipped - not pending or not found",
			slog.String("message_id", id),
			slog.String("status", status.String()),
		)
		return domain.ErrMessageNotPending
	}

	s.logger.Info("Message status updated",
		slog.String("message_id", id),
		slog.String("status", status.String()),
	)

	return nil
}

// CountOverdue counts pending messages whose send time passed before now
func (s *Storage) CountOverdue(ctx context.Context, now time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM messages WHERE status = $1 AND send_at < $2`
	if err := s.db.GetContext(ctx, &count, query, domain.MessageStatusPending, now); err != nil {
		return 0, fmt.Errorf("failed to count overdue messages: %w", err)
	}
	return count, nil
}

func (s *Storage) notPendingOrMissing(ctx context.Context, id string) error {
	if _, err := s.GetMessage(ctx, id); err != nil {
		return err
	}
	return domain.ErrMessageNotPending
}
