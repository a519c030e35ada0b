package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/orchestrator"
	"github.com/turnloop/conductor/internal/scenario"
)

// SetupRoutes registers every REST route onto router, wiring the shared
// middleware stack ahead of the handlers.
func SetupRoutes(router *gin.Engine, orch *orchestrator.Orchestrator, scenarios scenario.Store, llm LLMProxy, rateLimit int, log *logger.Logger) {
	router.Use(Recovery(log), RequestLogger(log), ErrorHandler(log), CORS())
	if rateLimit > 0 {
		router.Use(RateLimit(rateLimit))
	}

	h := NewHandler(orch, scenarios, llm, log)

	router.GET("/conversations", h.ListConversations)
	router.GET("/conversations/:id", h.GetConversation)

	router.GET("/scenarios", h.ListScenarios)
	router.GET("/scenarios/:id", h.GetScenario)
	router.POST("/scenarios", h.CreateScenario)
	router.PUT("/scenarios/:id", h.UpdateScenario)
	router.DELETE("/scenarios/:id", h.DeleteScenario)

	router.GET("/attachments/:id/content", h.GetAttachmentContent)

	router.POST("/llm/generate", h.GenerateLLM)
}
