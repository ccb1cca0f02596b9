package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mailsched/scheduled-mailer/internal/api/dto"
	"github.com/mailsched/scheduled-mailer/internal/domain"
	"github.com/mailsched/scheduled-mailer/internal/scheduling"
	"github.com/mailsched/scheduled-mailer/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateMessage handles POST /api/v1/messages
// Stores a pending message and schedules its delivery
func (h *MessageHandler) CreateMessage(c *gin.Context) {
	var req dto.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !req.SendAt.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "send_at must be in the future",
		})
		return
	}

	now := time.Now()
	msg := &domain.Message{
		ID:        uuid.New().String(),
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		SendAt:    req.SendAt,
		Status:    domain.MessageStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx := c.Request.Context()
	if err := h.store.CreateMessage(ctx, msg); err != nil {
		h.logger.Error("Failed to create message", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create message",
		})
		return
	}

	if _, err := h.scheduler.ScheduleJob(ctx, msg.ID, msg.SendAt); err != nil {
		h.logger.Error("Failed to schedule message",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		// a message without a job would never be delivered
		if delErr := h.store.DeleteMessage(ctx, msg.ID); delErr != nil {
			h.logger.Error("Failed to roll back unscheduled message",
				slog.String("message_id", msg.ID),
				slog.String("error", delErr.Error()),
			)
		}
		h.respondSchedulingError(c, err)
		return
	}

	h.logger.Info("Message scheduled",
		slog.String("message_id", msg.ID),
		slog.Time("send_at", msg.SendAt),
	)
	c.JSON(http.StatusCreated, dto.NewMessageDTO(msg))
}

// GetMessage handles GET /api/v1/messages/:message_id
func (h *MessageHandler) GetMessage(c *gin.Context) {
	messageID, ok := h.messageIDParam(c)
	if !ok {
		return
	}

	msg, err := h.store.GetMessage(c.Request.Context(), messageID)
	if err != nil {
		h.respondStoreError(c, err, "Failed to get message")
		return
	}

	c.JSON(http.StatusOK, dto.NewMessageDTO(msg))
}

// ListMessages handles GET /api/v1/messages
// Lists messages newest first with optional status filter and cursor pagination
func (h *MessageHandler) ListMessages(c *gin.Context) {
	var req dto.ListMessagesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	status := domain.MessageStatus(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "status must be one of pending, sent, failed",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeMessageCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	messages, err := h.store.ListMessages(c.Request.Context(), storage.MessageFilter{
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list messages", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list messages",
		})
		return
	}

	hasMore := len(messages) > req.PageSize
	if hasMore {
		messages = messages[:req.PageSize]
	}

	resp := dto.ListMessagesResponse{Messages: make([]dto.MessageDTO, len(messages))}
	for i := range messages {
		resp.Messages[i] = dto.NewMessageDTO(&messages[i])
	}

	if hasMore {
		last := messages[len(messages)-1]
		resp.NextCursor = EncodeMessageCursor(&storage.MessageCursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// UpdateMessage handles PATCH /api/v1/messages/:message_id
// A new send_at moves the scheduled job before the row is updated
func (h *MessageHandler) UpdateMessage(c *gin.Context) {
	messageID, ok := h.messageIDParam(c)
	if !ok {
		return
	}

	var req dto.UpdateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	update := req.ToUpdate()
	if update.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "At least one field must be provided",
		})
		return
	}

	ctx := c.Request.Context()
	current, err := h.store.GetMessage(ctx, messageID)
	if err != nil {
		h.respondStoreError(c, err, "Failed to get message")
		return
	}
	if !current.IsPending() {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Message is no longer pending",
			"status": current.Status.String(),
		})
		return
	}

	if update.SendAt != nil {
		if _, err := h.scheduler.RescheduleJob(ctx, messageID, *update.SendAt); err != nil {
			h.logger.Error("Failed to reschedule message",
				slog.String("message_id", messageID),
				slog.String("error", err.Error()),
			)
			h.respondSchedulingError(c, err)
			return
		}
	}

	msg, err := h.store.UpdateMessage(ctx, messageID, update)
	if err != nil {
		if update.SendAt != nil {
			h.restoreSchedule(c, current, err)
		}
		h.respondStoreError(c, err, "Failed to update message")
		return
	}

	h.logger.Info("Message updated", slog.String("message_id", messageID))
	c.JSON(http.StatusOK, dto.NewMessageDTO(msg))
}

// DeleteMessage handles DELETE /api/v1/messages/:message_id
// Cancels the scheduled job, then deletes the message
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	messageID, ok := h.messageIDParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	cancelled := h.scheduler.CancelJob(ctx, messageID)

	if err := h.store.DeleteMessage(ctx, messageID); err != nil {
		h.respondStoreError(c, err, "Failed to delete message")
		return
	}

	h.logger.Info("Message deleted",
		slog.String("message_id", messageID),
		slog.Bool("job_cancelled", cancelled),
	)
	c.Status(http.StatusNoContent)
}

// restoreSchedule puts the job back in line with the stored row after the
// job was moved but the row update failed
func (h *MessageHandler) restoreSchedule(c *gin.Context, current *domain.Message, updateErr error) {
	ctx := c.Request.Context()
	logger := h.logger.With(slog.String("message_id", current.ID))

	switch {
	case errors.Is(updateErr, domain.ErrMessageNotPending):
		// already delivered; the moved job finds it not pending and does nothing
		return
	case errors.Is(updateErr, domain.ErrMessageNotFound):
		h.scheduler.CancelJob(ctx, current.ID)
		logger.Info("Message deleted during update, cancelled its job")
		return
	}

	if _, err := h.scheduler.RescheduleJob(ctx, current.ID, current.SendAt); err != nil {
		logger.Error("Scheduled job and message send_at are out of step",
			slog.Time("stored_send_at", current.SendAt),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Warn("Message update failed, job restored to previous send_at",
		slog.Time("send_at", current.SendAt),
	)
}

func (h *MessageHandler) messageIDParam(c *gin.Context) (string, bool) {
	messageID := c.Param("message_id")
	if _, err := uuid.Parse(messageID); err != nil {
		h.logger.Error("Invalid message_id format", slog.String("message_id", messageID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "message_id must be a valid UUID",
		})
		return "", false
	}
	return messageID, true
}

func (h *MessageHandler) respondStoreError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Message not found"})
	case errors.Is(err, domain.ErrMessageNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "Message is no longer pending"})
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func (h *MessageHandler) respondSchedulingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scheduling.ErrInvalidScheduleTime):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, scheduling.ErrAlreadyCompleted), errors.Is(err, scheduling.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule message"})
	}
}
