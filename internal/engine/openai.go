// ABOUTME: In-process implementation of the engine Gateway
// ABOUTME: Calls the OpenAI chat completions API directly using an agent profile

package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIGateway runs the agent in-process against the OpenAI API.
// The profile supplies the model and system instructions; the caller's
// history is forwarded as the rest of the conversation.
type OpenAIGateway struct {
	client  *openai.Client
	profile *Profile
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAIGateway creates a gateway using the given API key and profile.
// A zero timeout leaves invocations unbounded.
func NewOpenAIGateway(apiKey string, profile *Profile, timeout time.Duration, logger *slog.Logger) *OpenAIGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIGateway{
		client:  openai.NewClient(apiKey),
		profile: profile,
		timeout: timeout,
		logger:  logger.With("component", "engine", "backend", "openai", "agent", profile.Name),
	}
}

// Invoke sends the history to the chat completions API and returns the
// assistant's reply. The completion ID serves as the trace identifier.
func (g *OpenAIGateway) Invoke(ctx context.Context, history []Message, workflowName string) (*Result, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: g.profile.Instructions,
	})
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	g.logger.Debug("invoking completion",
		"workflow", workflowName,
		"model", g.profile.Model,
		"messages", len(messages))

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.profile.Model,
		Messages:    messages,
		Temperature: float32(g.profile.Temperature),
		MaxTokens:   g.profile.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			g.logger.Error("completion timed out",
				"workflow", workflowName,
				"timeout", g.timeout)
			return nil, &TimeoutError{Timeout: g.timeout}
		}
		g.logger.Error("completion failed",
			"workflow", workflowName,
			"error", err)
		return nil, &ExecutionError{ExitCode: -1, Err: err}
	}

	if len(resp.Choices) == 0 {
		return nil, &ProtocolError{Err: errors.New("completion returned no choices")}
	}

	g.logger.Debug("completion finished",
		"workflow", workflowName,
		"trace_id", resp.ID,
		"duration", time.Since(start))

	return &Result{
		Text:    resp.Choices[0].Message.Content,
		TraceID: resp.ID,
	}, nil
}
