package domain

import "time"

// MessageStatus is the delivery state of a message
type MessageStatus string

// Message status constants
const (
	MessageStatusPending MessageStatus = "pending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

func (s MessageStatus) String() string {
	return string(s)
}

// Valid reports whether s is a known status
func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusPending, MessageStatusSent, MessageStatusFailed:
		return true
	}
	return false
}

// Message is an email scheduled for delivery. Its ID doubles as the id of
// the scheduled job that delivers it.
type Message struct {
	ID            string        `db:"id"`
	Recipient     string        `db:"recipient"`
	Subject       string        `db:"subject"`
	Body          string        `db:"body"`
	SendAt        time.Time     `db:"send_at"`
	Status        MessageStatus `db:"status"`
	FailureReason *string       `db:"failure_reason"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

// IsPending reports whether the message is still waiting for delivery
func (m *Message) IsPending() bool {
	return m.Status == MessageStatusPending
}

// MessageUpdate carries the mutable fields of a message; nil fields are left unchanged
type MessageUpdate struct {
	Recipient *string
	Subject   *string
	Body      *string
	SendAt    *time.Time
}

// Empty reports whether the update changes nothing
func (u MessageUpdate) Empty() bool {
	return u.Recipient == nil && u.Subject == nil && u.Body == nil && u.SendAt == nil
}
