// Package agenthost implements the Agent Host: in-process worker
// goroutines that compose turns for scenario-driven agents by deriving
// turn ownership from the event log and invoking an external LLM
// Provider.
package agenthost

import (
	"context"
	"fmt"
	"sync"

	"github.com/turnloop/conductor/internal/apperrors"
	"github.com/turnloop/conductor/internal/lifecycle"
	"github.com/turnloop/conductor/internal/logger"
	"github.com/turnloop/conductor/internal/orchestrator"
	"github.com/turnloop/conductor/internal/scenario"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

type workerKey struct {
	conv    int64
	agentID string
}

// Host manages the set of running workers. One Host instance per
// Conductor process; multiple processes reconcile against the same
// Lifecycle Registry.
type Host struct {
	orch      *orchestrator.Orchestrator
	scenarios scenario.Store
	lifecycle lifecycle.Registry
	llm       Provider
	sandbox   ToolSynthesizer
	log       *logger.Logger

	mu      sync.Mutex
	workers map[workerKey]*worker
}

// New constructs an Agent Host. sandbox may be nil if Docker is disabled
// (config.Docker.Enabled = false); tools routed to it then fall back to
// the default LLM synthesizer.
func New(orch *orchestrator.Orchestrator, scenarios scenario.Store, registry lifecycle.Registry, llm Provider, sandbox ToolSynthesizer, log *logger.Logger) *Host {
	return &Host{
		orch: orch, scenarios: scenarios, lifecycle: registry, llm: llm, sandbox: sandbox,
		log:     log,
		workers: make(map[workerKey]*worker),
	}
}

// Ensure starts a worker for (conv, agentID) if one isn't already running,
// and records the intent in the Lifecycle Registry.
func (h *Host) Ensure(ctx context.Context, conv int64, agentID string) error {
	if _, err := h.lifecycle.Ensure(ctx, conv, agentID); err != nil {
		return err
	}
	return h.startWorker(ctx, conv, agentID)
}

// Stop stops the worker for (conv, agentID), if running, and removes its
// Lifecycle Registry row.
func (h *Host) Stop(ctx context.Context, conv int64, agentID string) error {
	h.mu.Lock()
	w, ok := h.workers[workerKey{conv, agentID}]
	if ok {
		delete(h.workers, workerKey{conv, agentID})
	}
	h.mu.Unlock()

	if ok {
		w.stop()
	}
	return h.lifecycle.Stop(ctx, conv, agentID)
}

// StopConversation stops every worker currently hosted for conv, per the
// Lifecycle Registry's rows for that conversation.
func (h *Host) StopConversation(ctx context.Context, conv int64) error {
	rows, err := h.lifecycle.ListForConversation(ctx, conv)
	if err != nil {
		return fmt.Errorf("agenthost: list lifecycle rows for conversation: %w", err)
	}
	for _, row := range rows {
		if err := h.Stop(ctx, conv, row.AgentID); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileOnBoot starts a worker for every Lifecycle Registry row whose
// conversation is still active, reconciling persistent intent against an
// empty in-memory worker set after a restart. Rows for conversations that
// completed while the server was down are deleted rather than
// materialized, since there is no turn left for that worker to take.
func (h *Host) ReconcileOnBoot(ctx context.Context) error {
	rows, err := h.lifecycle.List(ctx)
	if err != nil {
		return fmt.Errorf("agenthost: list lifecycle rows: %w", err)
	}
	for _, row := range rows {
		snap, err := h.orch.GetSnapshot(ctx, row.ConversationID, false)
		if err != nil {
			h.log.WithError(err).WithConversationID(row.ConversationID).WithAgentID(row.AgentID).
				Warn("agenthost: failed to load conversation while reconciling worker on boot")
			continue
		}
		if snap.Status != v1.ConversationActive {
			if err := h.lifecycle.Stop(ctx, row.ConversationID, row.AgentID); err != nil {
				h.log.WithError(err).WithConversationID(row.ConversationID).WithAgentID(row.AgentID).
					Warn("agenthost: failed to delete lifecycle row for a completed conversation")
			}
			continue
		}
		if err := h.startWorker(ctx, row.ConversationID, row.AgentID); err != nil {
			h.log.WithError(err).WithConversationID(row.ConversationID).WithAgentID(row.AgentID).
				Warn("agenthost: failed to reconcile worker on boot")
		}
	}
	return nil
}

func (h *Host) startWorker(ctx context.Context, conv int64, agentID string) error {
	key := workerKey{conv, agentID}

	h.mu.Lock()
	if _, exists := h.workers[key]; exists {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	agent, err := h.resolveAgent(ctx, conv, agentID)
	if err != nil {
		return err
	}

	w := newWorker(conv, agent, h.orch, h.llm, h.sandbox, h.log)

	h.mu.Lock()
	h.workers[key] = w
	h.mu.Unlock()

	go w.run(ctx)
	return nil
}

// resolveAgent loads the scenario persona for (conv, agentID). A
// conversation with no scenario (or an agent missing from the scenario)
// gets a bare persona so the worker can still participate with default
// behavior (no tools).
func (h *Host) resolveAgent(ctx context.Context, conv int64, agentID string) (v1.ScenarioAgent, error) {
	c, err := h.orch.GetSnapshot(ctx, conv, true)
	if err != nil {
		return v1.ScenarioAgent{}, err
	}

	if c.Scenario != nil {
		for _, a := range c.Scenario.Agents {
			if a.AgentID == agentID {
				return a, nil
			}
		}
	}

	desc, ok := c.Metadata.AgentByID(agentID)
	if !ok {
		return v1.ScenarioAgent{}, apperrors.ErrAgentNotPermitted
	}
	return v1.ScenarioAgent{AgentID: desc.ID, SystemPrompt: fmt.Sprintf("You are %s.", desc.Name)}, nil
}
