package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/turnloop/conductor/internal/agenthost"
	"github.com/turnloop/conductor/internal/config"
	"github.com/turnloop/conductor/internal/gateway/rest"
)

func TestLLMAdapterGenerateConvertsMessagesAndReturnsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request failed: %v", err)
		}
		if len(body.Messages) != 1 || body.Messages[0].Role != "user" || body.Messages[0].Content != "hello" {
			t.Errorf("unexpected forwarded messages: %+v", body.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`))
	}))
	defer srv.Close()

	adapter := llmAdapter{provider: agenthost.NewHTTPProvider(config.LLMConfig{
		BaseURL: srv.URL, APIKey: "test-key", Model: "gpt-4o-mini", Temperature: 0.7,
	})}

	out, err := adapter.Generate(context.Background(), []rest.LLMMessage{{Role: "user", Content: "hello"}}, "gpt-4o-mini", 0.7)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != "hi there" {
		t.Errorf("expected %q, got %q", "hi there", out)
	}
}
