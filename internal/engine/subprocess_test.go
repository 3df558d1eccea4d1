// ABOUTME: Tests for the subprocess engine gateway
// ABOUTME: Uses shell one-liners as stand-in engine processes

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shellGateway(t *testing.T, script string, timeout time.Duration) *SubprocessGateway {
	t.Helper()
	return NewSubprocessGateway("sh", []string{"-c", script}, timeout, nil)
}

func TestSubprocessGateway_Invoke(t *testing.T) {
	g := shellGateway(t, `cat >/dev/null; echo '{"final_output": "watering twice a week is plenty", "trace_id": "trace-123"}'`, 0)

	result, err := g.Invoke(context.Background(), []Message{
		{Role: "user", Content: "how often should I water?"},
	}, "conversation_abc")
	require.NoError(t, err)

	assert.Equal(t, "watering twice a week is plenty", result.Text)
	assert.Equal(t, "trace-123", result.TraceID)
}

func TestSubprocessGateway_NoTraceID(t *testing.T) {
	g := shellGateway(t, `cat >/dev/null; echo '{"final_output": "done"}'`, 0)

	result, err := g.Invoke(context.Background(), nil, "conversation_abc")
	require.NoError(t, err)

	assert.Equal(t, "done", result.Text)
	assert.Empty(t, result.TraceID)
}

func TestSubprocessGateway_NonZeroExit(t *testing.T) {
	g := shellGateway(t, `cat >/dev/null; echo "model unavailable" >&2; exit 3`, 0)

	_, err := g.Invoke(context.Background(), nil, "conversation_abc")
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Contains(t, execErr.Stderr, "model unavailable")
}

func TestSubprocessGateway_MalformedOutput(t *testing.T) {
	g := shellGateway(t, `cat >/dev/null; echo 'not json at all'`, 0)

	_, err := g.Invoke(context.Background(), nil, "conversation_abc")
	require.Error(t, err)

	var protoErr *ProtocolError
	assert.True(t, errors.As(err, &protoErr))
}

func TestSubprocessGateway_MissingFinalOutput(t *testing.T) {
	g := shellGateway(t, `cat >/dev/null; echo '{"trace_id": "trace-123"}'`, 0)

	_, err := g.Invoke(context.Background(), nil, "conversation_abc")
	require.Error(t, err)

	var protoErr *ProtocolError
	assert.True(t, errors.As(err, &protoErr))
}

func TestSubprocessGateway_Timeout(t *testing.T) {
	g := shellGateway(t, `sleep 10`, 100*time.Millisecond)

	start := time.Now()
	_, err := g.Invoke(context.Background(), nil, "conversation_abc")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 100*time.Millisecond, timeoutErr.Timeout)
}

func TestSubprocessGateway_MissingBinary(t *testing.T) {
	g := NewSubprocessGateway("/nonexistent/engine-binary", nil, 0, nil)

	_, err := g.Invoke(context.Background(), nil, "conversation_abc")
	require.Error(t, err)

	var execErr *ExecutionError
	assert.True(t, errors.As(err, &execErr))
}
