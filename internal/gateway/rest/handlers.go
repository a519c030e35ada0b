package rest

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/orchestrator"
	"github.com/turnloop/conductor/internal/scenario"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// LLMProxy abstracts the external LLM provider call behind /llm/generate,
// so the REST gateway doesn't need to know which Provider implementation
// the Agent Host is configured with.
type LLMProxy interface {
	Generate(ctx context.Context, messages []LLMMessage, model string, temperature float64) (string, error)
}

// LLMMessage is one turn of the /llm/generate proxy request.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Handler holds the dependencies for every REST route.
type Handler struct {
	orch      *orchestrator.Orchestrator
	scenarios scenario.Store
	llm       LLMProxy
	log       *logger.Logger
}

// NewHandler constructs a Handler. llm may be nil, in which case
// /llm/generate responds 503.
func NewHandler(orch *orchestrator.Orchestrator, scenarios scenario.Store, llm LLMProxy, log *logger.Logger) *Handler {
	return &Handler{orch: orch, scenarios: scenarios, llm: llm, log: log.WithFields(zap.String("component", "rest"))}
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
}

// ListConversations handles GET /conversations?limit&hours
func (h *Handler) ListConversations(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	var since time.Time
	if raw := c.Query("hours"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			since = time.Now().Add(-time.Duration(n) * time.Hour)
		}
	}

	convs, err := h.orch.ListConversations(c.Request.Context(), limit, since)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// GetConversation handles GET /conversations/:id
func (h *Handler) GetConversation(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, apperrors.ErrNotFound)
		return
	}
	includeScenario := c.Query("includeScenario") == "true"

	snap, err := h.orch.GetSnapshot(c.Request.Context(), id, includeScenario)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ListScenarios handles GET /scenarios
func (h *Handler) ListScenarios(c *gin.Context) {
	scenarios, err := h.scenarios.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenarios": scenarios})
}

// GetScenario handles GET /scenarios/:id
func (h *Handler) GetScenario(c *gin.Context) {
	id := c.Param("id")
	if v := c.Query("version"); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil {
			fail(c, apperrors.ErrNotFound)
			return
		}
		sc, err := h.scenarios.GetVersion(c.Request.Context(), id, version)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, sc)
		return
	}

	sc, err := h.scenarios.GetActive(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// CreateScenario handles POST /scenarios
func (h *Handler) CreateScenario(c *gin.Context) {
	var s v1.Scenario
	if err := c.ShouldBindJSON(&s); err != nil {
		fail(c, apperrors.ErrPreconditionFailed)
		return
	}

	stored, err := h.scenarios.Put(c.Request.Context(), s)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// UpdateScenario handles PUT /scenarios/:id
func (h *Handler) UpdateScenario(c *gin.Context) {
	var s v1.Scenario
	if err := c.ShouldBindJSON(&s); err != nil {
		fail(c, apperrors.ErrPreconditionFailed)
		return
	}
	s.Metadata.ID = c.Param("id")

	stored, err := h.scenarios.Put(c.Request.Context(), s)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// DeleteScenario handles DELETE /scenarios/:id
func (h *Handler) DeleteScenario(c *gin.Context) {
	if err := h.scenarios.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GetAttachmentContent handles GET /attachments/:id/content
func (h *Handler) GetAttachmentContent(c *gin.Context) {
	att, err := h.orch.GetAttachment(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, att.ContentType, att.Content)
}

// GenerateRequest is the body of POST /llm/generate.
type GenerateRequest struct {
	Messages    []LLMMessage `json:"messages"`
	Model       string       `json:"model"`
	Temperature float64      `json:"temperature"`
}

// GenerateLLM handles POST /llm/generate, a thin proxy to the configured
// LLM provider for clients that want raw completions outside a
// conversation turn.
func (h *Handler) GenerateLLM(c *gin.Context) {
	if h.llm == nil {
		fail(c, apperrors.ErrTransient)
		return
	}

	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.ErrPreconditionFailed)
		return
	}

	content, err := h.llm.Generate(c.Request.Context(), req.Messages, req.Model, req.Temperature)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": content})
}
