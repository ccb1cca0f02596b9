package dto

import (
	"time"

	"github.com/mailsched/scheduled-mailer/internal/domain"
)

type CreateMessageRequest struct {
	Recipient string    `json:"recipient" binding:"required,email"`
	Subject   string    `json:"subject" binding:"required"`
	Body      string    `json:"body" binding:"required"`
	SendAt    time.Time `json:"send_at" binding:"required"`
}

type UpdateMessageRequest struct {
	Recipient *string    `json:"recipient" binding:"omitempty,email"`
	Subject   *string    `json:"subject" binding:"omitempty,min=1"`
	Body      *string    `json:"body" binding:"omitempty,min=1"`
	SendAt    *time.Time `json:"send_at"`
}

// ToUpdate converts the request into a domain update
func (r UpdateMessageRequest) ToUpdate() domain.MessageUpdate {
	return domain.MessageUpdate{
		Recipient: r.Recipient,
		Subject:   r.Subject,
		Body:      r.Body,
		SendAt:    r.SendAt,
	}
}

type ListMessagesRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListMessagesResponse struct {
	Messages   []MessageDTO `json:"messages"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type MessageDTO struct {
	ID            string  `json:"id"`
	Recipient     string  `json:"recipient"`
	Subject       string  `json:"subject"`
	Body          string  `json:"body"`
	SendAt        string  `json:"send_at"`
	Status        string  `json:"status"`
	FailureReason *string `json:"failure_reason"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// NewMessageDTO renders a message for responses
func NewMessageDTO(m *domain.Message) MessageDTO {
	return MessageDTO{
		ID:            m.ID,
		Recipient:     m.Recipient,
		Subject:       m.Subject,
		Body:          m.Body,
		SendAt:        m.SendAt.UTC().Format(time.RFC3339),
		Status:        m.Status.String(),
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     m.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type ScheduledJobDTO struct {
	JobID string `json:"job_id"`
	DueAt string `json:"due_at"`
}

type ListScheduledJobsResponse struct {
	Jobs  []ScheduledJobDTO `json:"jobs"`
	Count int               `json:"count"`
}
