// ABOUTME: Remote HTTP implementation of the engine Gateway
// ABOUTME: POSTs the invocation payload to an engine service using resty

package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteGateway invokes a reasoning engine exposed as an HTTP service.
// The service accepts the same payload the subprocess bridge writes to
// stdin and replies with the same response shape.
type RemoteGateway struct {
	client  *resty.Client
	url     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRemoteGateway creates a gateway that POSTs invocations to url.
// A zero timeout leaves the call unbounded.
func NewRemoteGateway(url string, timeout time.Duration, logger *slog.Logger) *RemoteGateway {
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &RemoteGateway{
		client:  client,
		url:     url,
		timeout: timeout,
		logger:  logger.With("component", "engine", "backend", "remote"),
	}
}

// Invoke submits the history to the remote engine and parses its reply.
func (g *RemoteGateway) Invoke(ctx context.Context, history []Message, workflowName string) (*Result, error) {
	g.logger.Debug("invoking remote engine",
		"workflow", workflowName,
		"messages", len(history))

	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(invokeRequest{
			Messages:     history,
			WorkflowName: workflowName,
		}).
		Post(g.url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			g.logger.Error("remote engine invocation timed out",
				"workflow", workflowName,
				"timeout", g.timeout)
			return nil, &TimeoutError{Timeout: g.timeout}
		}
		g.logger.Error("remote engine request failed",
			"workflow", workflowName,
			"error", err)
		return nil, &ExecutionError{ExitCode: -1, Err: err}
	}

	if resp.IsError() {
		g.logger.Error("remote engine returned error status",
			"workflow", workflowName,
			"status", resp.StatusCode(),
			"body", resp.String())
		return nil, &ExecutionError{
			ExitCode: resp.StatusCode(),
			Stderr:   resp.String(),
		}
	}

	result, err := parseResponse(resp.Body())
	if err != nil {
		g.logger.Error("remote engine returned unparseable body",
			"workflow", workflowName,
			"error", err)
		return nil, err
	}

	g.logger.Debug("remote engine invocation complete",
		"workflow", workflowName,
		"trace_id", result.TraceID)
	return result, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
