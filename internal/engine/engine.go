// ABOUTME: Gateway interface and wire contract for the external reasoning engine
// ABOUTME: Defines the message/result shapes and the engine error taxonomy

package engine

import (
	"context"
	"fmt"
	"time"
)

// Message is one entry of the history submitted to the engine.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result is the engine's reply for one invocation.
type Result struct {
	// Text is the engine's final output.
	Text string
	// TraceID is an opaque correlation identifier, empty when the engine
	// returned none. It is passed through unmodified, never interpreted.
	TraceID string
}

// Gateway is the single boundary through which the system talks to a
// reasoning engine. Any backend satisfying the request/response shape is
// interchangeable: subprocess bridge, network RPC, or in-process call.
// Implementations make no retries; each call is at-most-once.
type Gateway interface {
	Invoke(ctx context.Context, history []Message, workflowName string) (*Result, error)
}

// invokeRequest is the serialized payload sent over the engine boundary.
type invokeRequest struct {
	Messages     []Message `json:"messages"`
	WorkflowName string    `json:"workflow_name"`
}

// invokeResponse is the payload the engine replies with. FinalOutput is a
// pointer so a missing field is distinguishable from an empty reply.
type invokeResponse struct {
	FinalOutput *string `json:"final_output"`
	TraceID     string  `json:"trace_id,omitempty"`
}

// ExecutionError indicates the engine process or call failed outright.
// The diagnostic stream is kept for logging, not for client responses.
type ExecutionError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine execution failed: %v", e.Err)
	}
	return fmt.Sprintf("engine execution failed with code %d", e.ExitCode)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ProtocolError indicates the engine completed but its response payload
// was malformed or missing required fields.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("engine returned malformed response: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError indicates the invocation exceeded its configured deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("engine invocation timed out after %s", e.Timeout)
}
