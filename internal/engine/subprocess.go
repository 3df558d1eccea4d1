// ABOUTME: Subprocess implementation of the engine Gateway
// ABOUTME: Spawns a fresh engine process per call, JSON over stdin/stdout

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// SubprocessGateway invokes the reasoning engine as a child process.
// A fresh process is started per call: no pooling, no reuse, so independent
// calls never share engine state. The request is written to the process's
// stdin as a single JSON payload and the response read from stdout.
type SubprocessGateway struct {
	command string
	args    []string
	timeout time.Duration // zero means no enforced bound
	logger  *slog.Logger
}

// NewSubprocessGateway creates a gateway that runs command with args per call.
func NewSubprocessGateway(command string, args []string, timeout time.Duration, logger *slog.Logger) *SubprocessGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubprocessGateway{
		command: command,
		args:    args,
		timeout: timeout,
		logger:  logger.With("component", "engine", "backend", "subprocess"),
	}
}

// Invoke runs one engine process to completion and parses its reply.
func (g *SubprocessGateway) Invoke(ctx context.Context, history []Message, workflowName string) (*Result, error) {
	payload, err := json.Marshal(invokeRequest{
		Messages:     history,
		WorkflowName: workflowName,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling engine request: %w", err)
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, g.command, g.args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	g.logger.Debug("invoking engine",
		"workflow", workflowName,
		"messages", len(history))

	runErr := cmd.Run()

	if runErr != nil {
		// A deadline kill surfaces as a generic exec error; report it as a
		// timeout so callers can distinguish slowness from engine bugs.
		if g.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			g.logger.Warn("engine invocation timed out",
				"workflow", workflowName,
				"timeout", g.timeout)
			return nil, &TimeoutError{Timeout: g.timeout}
		}

		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		g.logger.Error("engine process failed",
			"workflow", workflowName,
			"exit_code", exitCode,
			"stderr", stderr.String())
		return nil, &ExecutionError{
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Err:      runErr,
		}
	}

	result, err := parseResponse(stdout.Bytes())
	if err != nil {
		g.logger.Error("engine returned unparseable output",
			"workflow", workflowName,
			"error", err)
		return nil, err
	}

	g.logger.Debug("engine invocation complete",
		"workflow", workflowName,
		"duration", time.Since(start),
		"trace_id", result.TraceID)
	return result, nil
}

// parseResponse decodes an engine response payload, requiring final_output.
func parseResponse(data []byte) (*Result, error) {
	var resp invokeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("decoding response: %w", err)}
	}
	if resp.FinalOutput == nil {
		return nil, &ProtocolError{Err: errors.New("response missing final_output")}
	}
	return &Result{
		Text:    *resp.FinalOutput,
		TraceID: resp.TraceID,
	}, nil
}
