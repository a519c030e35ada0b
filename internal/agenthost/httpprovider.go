package agenthost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/config"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// chatMessage is one OpenAI-compatible chat completion message.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

// HTTPProvider is the default Provider: an OpenAI-compatible chat
// completions client. Its Generate method also backs the /llm/generate
// passthrough endpoint, through an adapter in cmd/conductor that converts
// rest.LLMMessage values to GenerateMessage.
type HTTPProvider struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

// NewHTTPProvider constructs an HTTPProvider from cfg.
func NewHTTPProvider(cfg config.LLMConfig) *HTTPProvider {
	return &HTTPProvider{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: 2 * time.Minute},
	}
}

func (p *HTTPProvider) complete(ctx context.Context, messages []chatMessage, model string, temperature float64) (string, error) {
	if p.apiKey == "" {
		return "", fmt.Errorf("agenthost: llm api key is required")
	}
	if model == "" {
		model = p.model
	}

	reqBody := chatRequest{Model: model, Messages: messages, Temperature: temperature}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("agenthost: marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("agenthost: build chat request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w: %v", apperrors.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("agenthost: read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm api error (status %d): %s: %w", resp.StatusCode, body, apperrors.ErrTransient)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("agenthost: unmarshal chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("agenthost: llm returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// NextStep renders req into a two-message chat exchange (system persona,
// user transcript) and asks the model for the next turn step as plain
// text, tagged as a message step with turn finality.
func (p *HTTPProvider) NextStep(ctx context.Context, req TurnRequest) (Step, error) {
	text, err := p.complete(ctx, []chatMessage{
		{Role: "system", Content: req.Agent.SystemPrompt},
		{Role: "user", Content: req.History},
	}, "", p.temperature)
	if err != nil {
		return Step{}, err
	}
	return Step{Kind: StepMessage, Text: text, Finality: v1.FinalityTurn}, nil
}

// Generate sends messages as-is to the chat completions endpoint and
// returns the first choice's content (used by the /llm/generate
// passthrough).
func (p *HTTPProvider) Generate(ctx context.Context, messages []GenerateMessage, model string, temperature float64) (string, error) {
	chat := make([]chatMessage, len(messages))
	for i, m := range messages {
		chat[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return p.complete(ctx, chat, model, temperature)
}

// GenerateMessage mirrors rest.LLMMessage without importing the gateway
// package from agenthost; the two shapes are kept identical by convention.
type GenerateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
