package agenthost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/config"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPProvider(config.LLMConfig{
		BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-4o-mini", Temperature: 0.2,
	})
}

func TestNextStepReturnsMessageStep(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected bearer auth header, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Role: "assistant", Content: "hello there"}}},
		})
	})

	step, err := p.NextStep(context.Background(), TurnRequest{
		Agent:   v1.ScenarioAgent{SystemPrompt: "You are alice."},
		History: "bob: hi\n",
	})
	if err != nil {
		t.Fatalf("NextStep failed: %v", err)
	}
	if step.Kind != StepMessage || step.Text != "hello there" {
		t.Errorf("unexpected step: %+v", step)
	}
	if step.Finality != v1.FinalityTurn {
		t.Errorf("expected turn finality, got %q", step.Finality)
	}
}

func TestNextStepWrapsServerErrorAsTransient(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("server overloaded"))
	})

	_, err := p.NextStep(context.Background(), TurnRequest{})
	if err == nil {
		t.Fatal("expected an error from a 503 response")
	}
	if !apperrors.Is(err, apperrors.ErrTransient) {
		t.Errorf("expected a transient error, got %v", err)
	}
}

func TestGenerateProxiesRawMessages(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request failed: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "ping" {
			t.Errorf("unexpected request body: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []chatChoice{{Message: chatMessage{Content: "pong"}}},
		})
	})

	content, err := p.Generate(context.Background(), []GenerateMessage{{Role: "user", Content: "ping"}}, "gpt-4o-mini", 0.5)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if content != "pong" {
		t.Errorf("expected pong, got %q", content)
	}
}

func TestCompleteRequiresAPIKey(t *testing.T) {
	p := NewHTTPProvider(config.LLMConfig{BaseURL: "http://unused"})
	_, err := p.NextStep(context.Background(), TurnRequest{})
	if err == nil {
		t.Fatal("expected an error when no api key is configured")
	}
}
