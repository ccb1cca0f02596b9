package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"syreclabs.com/go/faker"

	"github.com/mailsched/scheduled-mailer/shared/logger"
)

func newTestClient(url string) *Client {
	return NewClient(Config{
		BaseURL: url,
		APIKey:  "test-key",
		From:    "noreply@example.com",
		Timeout: 2 * time.Second,
	}, logger.Discard())
}

func TestClient_SendSuccess(t *testing.T) {
	to := faker.Internet().Email()
	subject := faker.Lorem().Sentence(3)

	var got sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, sendPath, r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	result := newTestClient(server.URL+"/").Send(context.Background(), to, subject, "hello")

	assert.True(t, result.Success)
	assert.Empty(t, result.Error)
	assert.Equal(t, "noreply@example.com", got.From)
	assert.Equal(t, to, got.To)
	assert.Equal(t, subject, got.Subject)
	assert.Equal(t, "hello", got.Text)
}

func TestClient_SendRejected(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantReason string
	}{
		{
			name:       "json message",
			status:     http.StatusUnprocessableEntity,
			body:       `{"message":"blocked"}`,
			wantReason: "blocked",
		},
		{
			name:       "json error field",
			status:     http.StatusBadRequest,
			body:       `{"error":"invalid recipient"}`,
			wantReason: "invalid recipient",
		},
		{
			name:       "plain text body",
			status:     http.StatusBadGateway,
			body:       "upstream down",
			wantReason: "send api returned 502: upstream down",
		},
		{
			name:       "empty body",
			status:     http.StatusInternalServerError,
			wantReason: "send api returned 500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			result := newTestClient(server.URL).Send(context.Background(), "to@example.com", "s", "b")

			assert.False(t, result.Success)
			assert.Equal(t, tt.wantReason, result.Error)
		})
	}
}

func TestClient_SendUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	result := newTestClient(url).Send(context.Background(), "to@example.com", "s", "b")

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestClient_SendCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := newTestClient(server.URL).Send(ctx, "to@example.com", "s", "b")

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestClient_RateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Config{
		BaseURL:       server.URL,
		From:          "noreply@example.com",
		Timeout:       time.Second,
		RatePerSecond: 10,
		Burst:         1,
	}, logger.Discard())

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.True(t, client.Send(context.Background(), "to@example.com", "s", "b").Success)
	}

	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
