package agenthost

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/turnloop/conductor/internal/config"
	"github.com/turnloop/conductor/internal/logger"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// sandboxPrefix marks a tool's synthesisGuidance as a shell command to run
// inside a throwaway container rather than LLM-synthesized text.
const sandboxPrefix = "sandbox:"

// IsSandboxed reports whether tool should be routed to SandboxedToolRunner.
func IsSandboxed(tool v1.ScenarioTool) bool {
	return strings.HasPrefix(tool.SynthesisGuidance, sandboxPrefix)
}

// SandboxedToolRunner executes the remainder of a tool's synthesisGuidance
// string as a command inside a throwaway Docker container, for tools that
// need real code execution rather than LLM-synthesized output.
type SandboxedToolRunner struct {
	cli   *client.Client
	image string
	log   *logger.Logger
}

// NewSandboxedToolRunner connects to the Docker daemon described by cfg.
func NewSandboxedToolRunner(cfg config.DockerConfig, log *logger.Logger) (*SandboxedToolRunner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("agenthost: docker client: %w", err)
	}
	return &SandboxedToolRunner{cli: cli, image: cfg.Image, log: log}, nil
}

// Synthesize implements ToolSynthesizer by running the command after
// "sandbox:" in a one-shot container and returning its combined output.
func (r *SandboxedToolRunner) Synthesize(ctx context.Context, tool v1.ScenarioTool, args json.RawMessage, agent v1.ScenarioAgent, history string) (string, error) {
	cmd := strings.TrimPrefix(tool.SynthesisGuidance, sandboxPrefix)

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:        r.image,
		Cmd:          []string{"sh", "-c", cmd},
		Env:          []string{"TOOL_ARGS=" + string(args)},
		AttachStdout: true,
		AttachStderr: true,
	}, &container.HostConfig{
		AutoRemove: true,
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("agenthost: create sandbox container: %w", err)
	}
	containerID := resp.ID

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("agenthost: start sandbox container: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("agenthost: wait sandbox container: %w", err)
		}
	case <-statusCh:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	logs, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("agenthost: read sandbox logs: %w", err)
	}
	defer logs.Close()

	return demultiplex(logs)
}

// demultiplex strips Docker's 8-byte stream-multiplexing headers from a
// non-TTY container log stream and concatenates stdout+stderr.
func demultiplex(r io.Reader) (string, error) {
	var out bytes.Buffer
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return "", err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(r, frame); err != nil {
			return "", err
		}
		out.Write(frame)
	}
	return out.String(), nil
}

// Close releases the underlying Docker client.
func (r *SandboxedToolRunner) Close() error {
	return r.cli.Close()
}
