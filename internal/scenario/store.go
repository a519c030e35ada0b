// Package scenario implements the Scenario Store: versioned
// scenario documents describing personas, tools and knowledge, with
// JSON-Schema validation of tool input schemas at write time.
package scenario

import (
	"bytes"
	"context"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/turnloop/conductor/internal/apperrors"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// Store is the Scenario Store interface implemented by the memory and SQL
// backends.
type Store interface {
	// Put inserts a new version of scenarioID (creating the scenario if it
	// doesn't exist) and makes it active. Returns the stored version.
	Put(ctx context.Context, s v1.Scenario) (v1.Scenario, error)

	// GetActive returns the active version of scenarioID.
	GetActive(ctx context.Context, scenarioID string) (v1.Scenario, error)

	// GetVersion returns a specific version of scenarioID.
	GetVersion(ctx context.Context, scenarioID string, version int) (v1.Scenario, error)

	// List returns the active version of every known scenario.
	List(ctx context.Context) ([]v1.Scenario, error)

	// Delete removes scenarioID and all of its versions.
	Delete(ctx context.Context, scenarioID string) error
}

// validateSchemas compiles every tool's inputSchema, rejecting the
// scenario at write time rather than deferring the failure to first use.
func validateSchemas(s v1.Scenario) error {
	compiler := jsonschema.NewCompiler()
	for _, agent := range s.Agents {
		for _, tool := range agent.Tools {
			if len(tool.InputSchema) == 0 {
				continue
			}
			res, err := jsonschema.UnmarshalJSON(bytes.NewReader(tool.InputSchema))
			if err != nil {
				return fmt.Errorf("scenario: tool %s/%s: parse inputSchema: %w: %w", agent.AgentID, tool.ToolName, apperrors.ErrFatal, err)
			}
			url := fmt.Sprintf("mem://%s/%s", agent.AgentID, tool.ToolName)
			if err := compiler.AddResource(url, res); err != nil {
				return fmt.Errorf("scenario: tool %s/%s: add schema resource: %w: %w", agent.AgentID, tool.ToolName, apperrors.ErrFatal, err)
			}
			if _, err := compiler.Compile(url); err != nil {
				return fmt.Errorf("scenario: tool %s/%s: compile inputSchema: %w: %w", agent.AgentID, tool.ToolName, apperrors.ErrFatal, err)
			}
		}
	}
	return nil
}
