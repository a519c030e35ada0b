package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turnloop/conductor/internal/attachment"
	"github.com/turnloop/conductor/internal/eventstore"
	"github.com/turnloop/conductor/internal/hub"
	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/orchestrator"
	"github.com/turnloop/conductor/internal/scenario"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger.New failed: %v", err)
	}
	return log
}

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	h, err := hub.New(hub.NewMemoryBus(), testLogger(t))
	if err != nil {
		t.Fatalf("hub.New failed: %v", err)
	}
	return orchestrator.New(eventstore.NewMemoryStore(), attachment.NewMemoryStore(), scenario.NewMemoryStore(), h, testLogger(t))
}

func TestStreamEventsBackfillsThenStops(t *testing.T) {
	orch := newTestOrchestrator(t)
	conv, err := orch.CreateConversation(context.Background(), v1.ConversationMeta{Agents: []v1.AgentDescriptor{{ID: "alice"}}})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if _, _, err := orch.SendMessage(context.Background(), conv, "alice", v1.MessagePayload{Text: "hi"}, v1.FinalityTurn, nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	router := gin.New()
	SetupRoutes(router, orch, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/conversations/1/events?sinceSeq=0", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "data: ") {
		t.Errorf("expected a backfilled event frame, got body %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream content type, got %q", ct)
	}
}

func TestStreamEventsUnknownConversationReturns404(t *testing.T) {
	orch := newTestOrchestrator(t)

	router := gin.New()
	SetupRoutes(router, orch, testLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/conversations/999/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestStreamEventsInvalidIDReturns400(t *testing.T) {
	orch := newTestOrchestrator(t)

	router := gin.New()
	SetupRoutes(router, orch, testLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/conversations/not-a-number/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}
