package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsched/scheduled-mailer/internal/domain"
	"github.com/mailsched/scheduled-mailer/shared/logger"
)

var columns = []string{"id", "recipient", "subject", "body", "send_at", "status", "failure_reason", "created_at", "updated_at"}

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStorage(sqlx.NewDb(db, "postgres"), logger.Discard()), mock
}

func messageRow(id string, status domain.MessageStatus, reason interface{}) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(columns).AddRow(id, "to@example.com", "Hello", "Body", now.Add(time.Hour), string(status), reason, now, now)
}

func TestStorage_CreateMessage(t *testing.T) {
	s, mock := newMockStorage(t)
	now := time.Now()
	msg := &domain.Message{
		ID:        "m-1",
		Recipient: "to@example.com",
		Subject:   "Hello",
		Body:      "Body",
		SendAt:    now.Add(time.Hour),
		Status:    domain.MessageStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs("m-1", "to@example.com", "Hello", "Body", msg.SendAt, "pending", nil, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.CreateMessage(context.Background(), msg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_GetMessage(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		setup   func(mock sqlmock.Sqlmock)
		wantErr error
		check   func(t *testing.T, msg *domain.Message)
	}{
		{
			name: "found with failure reason",
			id:   "m-1",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("FROM messages WHERE id = $1")).
					WithArgs("m-1").
					WillReturnRows(messageRow("m-1", domain.MessageStatusFailed, "blocked"))
			},
			check: func(t *testing.T, msg *domain.Message) {
				assert.Equal(t, "m-1", msg.ID)
				assert.Equal(t, domain.MessageStatusFailed, msg.Status)
				require.NotNil(t, msg.FailureReason)
				assert.Equal(t, "blocked", *msg.FailureReason)
			},
		},
		{
			name: "found pending without reason",
			id:   "m-2",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("FROM messages WHERE id = $1")).
					WithArgs("m-2").
					WillReturnRows(messageRow("m-2", domain.MessageStatusPending, nil))
			},
			check: func(t *testing.T, msg *domain.Message) {
				assert.True(t, msg.IsPending())
				assert.Nil(t, msg.FailureReason)
			},
		},
		{
			name: "not found",
			id:   "missing",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("FROM messages WHERE id = $1")).
					WithArgs("missing").
					WillReturnError(sql.ErrNoRows)
			},
			wantErr: domain.ErrMessageNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)
			tt.setup(mock)

			msg, err := s.GetMessage(context.Background(), tt.id)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, msg)
			} else {
				require.NoError(t, err)
				tt.check(t, msg)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStorage_UpdateMessage(t *testing.T) {
	t.Run("updates only provided fields", func(t *testing.T) {
		s, mock := newMockStorage(t)
		subject := "New subject"
		sendAt := time.Now().Add(2 * time.Hour)

		mock.ExpectQuery(regexp.QuoteMeta("UPDATE messages SET subject = $1, send_at = $2, updated_at = NOW() WHERE id = $3 AND status = $4 RETURNING")).
			WithArgs(subject, sendAt, "m-1", "pending").
			WillReturnRows(messageRow("m-1", domain.MessageStatusPending, nil))

		msg, err := s.UpdateMessage(context.Background(), "m-1", domain.MessageUpdate{Subject: &subject, SendAt: &sendAt})
		require.NoError(t, err)
		assert.Equal(t, "m-1", msg.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sent message is rejected", func(t *testing.T) {
		s, mock := newMockStorage(t)
		body := "x"

		mock.ExpectQuery(regexp.QuoteMeta("UPDATE messages SET body = $1")).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(regexp.QuoteMeta("FROM messages WHERE id = $1")).
			WithArgs("m-1").
			WillReturnRows(messageRow("m-1", domain.MessageStatusSent, nil))

		_, err := s.UpdateMessage(context.Background(), "m-1", domain.MessageUpdate{Body: &body})
		require.ErrorIs(t, err, domain.ErrMessageNotPending)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing message", func(t *testing.T) {
		s, mock := newMockStorage(t)
		body := "x"

		mock.ExpectQuery(regexp.QuoteMeta("UPDATE messages SET body = $1")).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(regexp.QuoteMeta("FROM messages WHERE id = $1")).WillReturnError(sql.ErrNoRows)

		_, err := s.UpdateMessage(context.Background(), "m-1", domain.MessageUpdate{Body: &body})
		require.ErrorIs(t, err, domain.ErrMessageNotFound)
	})
}

func TestStorage_DeleteMessage(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages WHERE id = $1")).WithArgs("m-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages WHERE id = $1")).WithArgs("m-2").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.DeleteMessage(context.Background(), "m-1"))
	require.ErrorIs(t, s.DeleteMessage(context.Background(), "m-2"), domain.ErrMessageNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_ListMessages(t *testing.T) {
	s, mock := newMockStorage(t)
	cursorTime := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE 1=1 AND status = $1 AND (created_at, id) < ($2, $3) ORDER BY created_at DESC, id DESC LIMIT $4")).
		WithArgs("pending", cursorTime, "m-9", 3).
		WillReturnRows(messageRow("m-8", domain.MessageStatusPending, nil))

	messages, err := s.ListMessages(context.Background(), MessageFilter{
		Status:   domain.MessageStatusPending,
		PageSize: 2,
		Cursor:   &MessageCursor{CreatedAt: cursorTime, ID: "m-9"},
	})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "m-8", messages[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_MarkSentAndFailed(t *testing.T) {
	tests := []struct {
		name     string
		call     func(s *Storage) error
		args     []driver.Value
		affected int64
		wantErr  error
	}{
		{
			name:     "mark sent clears reason",
			call:     func(s *Storage) error { return s.MarkSent(context.Background(), "m-1") },
			args:     []driver.Value{"sent", nil, "m-1", "pending"},
			affected: 1,
		},
		{
			name:     "mark failed stores reason",
			call:     func(s *Storage) error { return s.MarkFailed(context.Background(), "m-1", "blocked") },
			args:     []driver.Value{"failed", "blocked", "m-1", "pending"},
			affected: 1,
		},
		{
			name:     "second transition is rejected",
			call:     func(s *Storage) error { return s.MarkSent(context.Background(), "m-1") },
			args:     []driver.Value{"sent", nil, "m-1", "pending"},
			affected: 0,
			wantErr:  domain.ErrMessageNotPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)

			mock.ExpectExec(regexp.QuoteMeta("UPDATE messages")).
				WithArgs(tt.args...).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := tt.call(s)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStorage_MarkSentDatabaseError(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE messages")).WillReturnError(errors.New("connection reset"))

	err := s.MarkSent(context.Background(), "m-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrMessageNotPending)
	assert.Contains(t, err.Error(), "failed to update message status")
}

func TestStorage_CountOverdue(t *testing.T) {
	s, mock := newMockStorage(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM messages WHERE status = $1 AND send_at < $2")).
		WithArgs("pending", now).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := s.CountOverdue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}
