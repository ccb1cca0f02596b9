package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const sendPath = "/v1/send"

// Config holds the send API settings
type Config struct {
	BaseURL       string
	APIKey        string
	From          string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// Result is the outcome of a single send attempt.
// Error is empty when Success is true.
type Result struct {
	Success bool
	Error   string
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Client delivers email through an HTTP send API
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a send API client. A zero RatePerSecond disables limiting.
func NewClient(config Config, logger *slog.Logger) *Client {
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// Send posts one message to the send API. Transport problems are reported
// in the Result rather than as an error.
func (c *Client) Send(ctx context.Context, to, subject, body string) Result {
	if err := c.limiter.Wait(ctx); err != nil {
		return failure(fmt.Sprintf("rate limiter: %v", err))
	}

	payload, err := json.Marshal(sendRequest{
		From:    c.config.From,
		To:      to,
		Subject: subject,
		Text:    body,
	})
	if err != nil {
		return failure(fmt.Sprintf("failed to encode request: %v", err))
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + sendPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return failure(fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Send request failed",
			slog.String("to", to),
			slog.Any("error", err),
		)
		return failure(err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := apiErrorMessage(resp.StatusCode, respBody)
		c.logger.Warn("Send API rejected message",
			slog.String("to", to),
			slog.Int("status", resp.StatusCode),
			slog.String("reason", reason),
		)
		return failure(reason)
	}

	c.logger.Debug("Message accepted by send API",
		slog.String("to", to),
		slog.Duration("duration", time.Since(start)),
	)

	return Result{Success: true}
}

func apiErrorMessage(status int, body []byte) string {
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" {
		return fmt.Sprintf("send api returned %d: %s", status, text)
	}
	return fmt.Sprintf("send api returned %d", status)
}

func failure(reason string) Result {
	return Result{Success: false, Error: reason}
}
