package router

import (
	"github.com/gin-gonic/gin"

	"github.com/mailsched/scheduled-mailer/internal/api/handler"
)

const serviceName = "scheduled-mailer-api"

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	messageHandler := handler.NewMessageHandler(deps)
	schedulerHandler := handler.NewSchedulerHandler(deps, serviceName)

	r.GET("/health", schedulerHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		messages := v1.Group("/messages")
		{
			// POST /api/v1/messages - Create and schedule a message
			messages.POST("", messageHandler.CreateMessage)

			// GET /api/v1/messages - List messages with filtering and pagination
			messages.GET("", messageHandler.ListMessages)

			// GET /api/v1/messages/:message_id - Get message details
			messages.GET("/:message_id", messageHandler.GetMessage)

			// PATCH /api/v1/messages/:message_id - Edit a pending message
			messages.PATCH("/:message_id", messageHandler.UpdateMessage)

			// DELETE /api/v1/messages/:message_id - Delete a message and cancel its job
			messages.DELETE("/:message_id", messageHandler.DeleteMessage)
		}

		// GET /api/v1/scheduler/jobs - Armed in-process jobs
		v1.GET("/scheduler/jobs", schedulerHandler.ListJobs)
	}

	return r
}
