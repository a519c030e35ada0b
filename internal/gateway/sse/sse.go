// Package sse implements the optional Server-Sent Events gateway:
// GET /conversations/:id/events?sinceSeq= streams the conversation's
// events as `data: <json>\n\n` frames, reusing the Subscription Hub fan-out
// the WebSocket gateway also rides on.
package sse

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/orchestrator"
)

const keepAliveInterval = 20 * time.Second

// Handler serves the SSE event stream route.
type Handler struct {
	orch *orchestrator.Orchestrator
	log  *logger.Logger
}

// NewHandler constructs an SSE Handler.
func NewHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{orch: orch, log: log.WithFields(zap.String("component", "sse"))}
}

// SetupRoutes registers the SSE route onto router.
func SetupRoutes(router *gin.Engine, orch *orchestrator.Orchestrator, log *logger.Logger) {
	h := NewHandler(orch, log)
	router.GET("/conversations/:id/events", h.StreamEvents)
}

// StreamEvents handles GET /conversations/:id/events?sinceSeq=
func (h *Handler) StreamEvents(c *gin.Context) {
	conv, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "BAD_REQUEST", "message": "invalid conversation id"}})
		return
	}

	var sinceSeq int64
	if raw := c.Query("sinceSeq"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sinceSeq = n
		}
	}

	ctx := c.Request.Context()
	ch, unsub := h.orch.Subscribe(conv, true)
	defer unsub()

	backfill, err := h.orch.GetEventsSince(ctx, conv, sinceSeq, 0)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "conversation not found"}})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	write := func(v interface{}) bool {
		body, err := json.Marshal(v)
		if err != nil {
			return true
		}
		if _, err := c.Writer.Write([]byte("data: " + string(body) + "\n\n")); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}

	for _, evt := range backfill {
		if !write(evt) {
			return
		}
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !write(evt) {
				return
			}
		case <-keepAlive.C:
			if _, err := c.Writer.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ctx.Done():
			return
		}
	}
}
