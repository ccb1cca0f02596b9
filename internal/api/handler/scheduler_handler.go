package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mailsched/scheduled-mailer/internal/api/dto"
	"github.com/mailsched/scheduled-mailer/internal/scheduling"
)

// SchedulerHandler exposes scheduler state and service health
type SchedulerHandler struct {
	logger       *slog.Logger
	scheduler    scheduling.Scheduler
	healthChecks map[string]func(ctx context.Context) error
	service      string
}

// NewSchedulerHandler creates a new SchedulerHandler instance
func NewSchedulerHandler(deps *Dependencies, service string) *SchedulerHandler {
	return &SchedulerHandler{
		logger:       deps.Logger,
		scheduler:    deps.Scheduler,
		healthChecks: deps.HealthChecks,
		service:      service,
	}
}

// ListJobs handles GET /api/v1/scheduler/jobs
// Only in-process timers can be listed; queue jobs live in Redis
func (h *SchedulerHandler) ListJobs(c *gin.Context) {
	lister, ok := h.scheduler.(scheduling.JobLister)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Job listing is not supported by the durable queue backing",
		})
		return
	}

	armed := lister.ListJobs()
	resp := dto.ListScheduledJobsResponse{
		Jobs:  make([]dto.ScheduledJobDTO, len(armed)),
		Count: len(armed),
	}
	for i, job := range armed {
		resp.Jobs[i] = dto.ScheduledJobDTO{
			JobID: job.JobID,
			DueAt: job.DueAt.UTC().Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Health handles GET /health
func (h *SchedulerHandler) Health(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	for name, check := range h.healthChecks {
		if err := check(c.Request.Context()); err != nil {
			h.logger.Warn("Health check failed",
				slog.String("component", name),
				slog.String("error", err.Error()),
			)
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":  status,
		"service": h.service,
		"checks":  checks,
	})
}
