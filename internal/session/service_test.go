// ABOUTME: Tests for the conversation session service
// ABOUTME: Uses the mock store and a scripted in-memory gateway

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yardly/yardly-gateway/internal/engine"
	"github.com/yardly/yardly-gateway/internal/store"
)

// fakeGateway is a scripted engine.Gateway. Each call records the history
// and workflow it received and returns the configured result or error.
type fakeGateway struct {
	mu        sync.Mutex
	result    *engine.Result
	err       error
	calls     int
	histories [][]engine.Message
	workflows []string
}

func (f *fakeGateway) Invoke(ctx context.Context, history []engine.Message, workflowName string) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.histories = append(f.histories, history)
	f.workflows = append(f.workflows, workflowName)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &engine.Result{Text: "ok"}, nil
}

func setupService(t *testing.T, gw *fakeGateway) (*Service, *store.MockStore) {
	t.Helper()
	mock := store.NewMockStore()
	require.NoError(t, mock.CreateUser(context.Background(), &store.User{
		ID:        "user-1",
		Email:     "gardener@example.com",
		Name:      "Gardener",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))
	return NewService(mock, gw, nil), mock
}

func TestChat_NewConversation(t *testing.T) {
	gw := &fakeGateway{result: &engine.Result{Text: "water deeply twice a week", TraceID: "trace-1"}}
	svc, mock := setupService(t, gw)
	ctx := context.Background()

	resp, err := svc.Chat(ctx, "user-1", ChatRequest{Message: "How often should I water new sod?"})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.ConversationID)
	assert.Equal(t, "water deeply twice a week", resp.Message.Content)
	assert.Equal(t, store.RoleAssistant, resp.Message.Role)
	assert.Equal(t, "trace-1", resp.TraceID)
	assert.Equal(t, "trace-1", resp.Message.TraceID)

	messages, err := mock.GetMessages(ctx, resp.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "How often should I water new sod?", messages[0].Content)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)

	conv, err := mock.GetConversation(ctx, resp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", conv.UserID)
}

func TestChat_TitleFromFirstMessage(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"short message", "Water the lawn", "Water the lawn"},
		{"exactly five words", "Should I water my tomatoes", "Should I water my tomatoes"},
		{"truncated", "Should I water my tomatoes every day in July", "Should I water my tomatoes..."},
		{"collapses whitespace", "  Mow   the  lawn  ", "Mow the lawn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mock := setupService(t, &fakeGateway{})
			resp, err := svc.Chat(context.Background(), "user-1", ChatRequest{Message: tt.message})
			require.NoError(t, err)

			conv, err := mock.GetConversation(context.Background(), resp.ConversationID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, conv.Title)
		})
	}
}

func TestChat_TitleSetOnce(t *testing.T) {
	svc, mock := setupService(t, &fakeGateway{})
	ctx := context.Background()

	resp, err := svc.Chat(ctx, "user-1", ChatRequest{Message: "First question about mulch"})
	require.NoError(t, err)

	_, err = svc.Chat(ctx, "user-1", ChatRequest{
		ConversationID: resp.ConversationID,
		Message:        "A second much longer question that would make a different title",
	})
	require.NoError(t, err)

	conv, err := mock.GetConversation(ctx, resp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "First question about mulch", conv.Title)
}

func TestChat_EmptyMessage(t *testing.T) {
	gw := &fakeGateway{}
	svc, _ := setupService(t, gw)

	for _, msg := range []string{"", "   ", "\n\t"} {
		_, err := svc.Chat(context.Background(), "user-1", ChatRequest{Message: msg})
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}
	assert.Zero(t, gw.calls)
}

func TestChat_FullHistorySentToEngine(t *testing.T) {
	gw := &fakeGateway{result: &engine.Result{Text: "reply"}}
	svc, _ := setupService(t, gw)
	ctx := context.Background()

	resp, err := svc.Chat(ctx, "user-1", ChatRequest{Message: "first"})
	require.NoError(t, err)
	_, err = svc.Chat(ctx, "user-1", ChatRequest{ConversationID: resp.ConversationID, Message: "second"})
	require.NoError(t, err)

	require.Len(t, gw.histories, 2)
	// Second invocation sees the whole log: first turn plus the new message.
	history := gw.histories[1]
	require.Len(t, history, 3)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, "reply", history[1].Content)
	assert.Equal(t, "second", history[2].Content)

	assert.Equal(t, "conversation_"+resp.ConversationID, gw.workflows[1])
}

func TestChat_EngineFailureKeepsUserMessage(t *testing.T) {
	gw := &fakeGateway{err: &engine.ExecutionError{ExitCode: 1, Stderr: "boom"}}
	svc, mock := setupService(t, gw)
	ctx := context.Background()

	resp, err := svc.Chat(ctx, "user-1", ChatRequest{Message: "does this survive?"})
	require.Error(t, err)
	assert.Nil(t, resp)

	var execErr *engine.ExecutionError
	assert.True(t, errors.As(err, &execErr))

	convs, err := mock.ListConversations(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, convs, 1)

	messages, err := mock.GetMessages(ctx, convs[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "does this survive?", messages[0].Content)
}

func TestChat_AppendFailureStopsBeforeEngine(t *testing.T) {
	gw := &fakeGateway{}
	svc, mock := setupService(t, gw)
	mock.FailAppend = errors.New("disk full")

	_, err := svc.Chat(context.Background(), "user-1", ChatRequest{Message: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording user message")
	assert.Zero(t, gw.calls)
}

func TestChat_OwnershipMismatchReportsNotFound(t *testing.T) {
	svc, mock := setupService(t, &fakeGateway{})
	ctx := context.Background()

	require.NoError(t, mock.CreateUser(ctx, &store.User{ID: "user-2", Email: "other@example.com"}))
	resp, err := svc.Chat(ctx, "user-1", ChatRequest{Message: "mine"})
	require.NoError(t, err)

	_, err = svc.Chat(ctx, "user-2", ChatRequest{ConversationID: resp.ConversationID, Message: "theirs"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChat_UnknownConversation(t *testing.T) {
	svc, _ := setupService(t, &fakeGateway{})

	_, err := svc.Chat(context.Background(), "user-1", ChatRequest{
		ConversationID: "no-such-conversation",
		Message:        "hello",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChat_NoTraceID(t *testing.T) {
	gw := &fakeGateway{result: &engine.Result{Text: "answer without trace"}}
	svc, mock := setupService(t, gw)

	resp, err := svc.Chat(context.Background(), "user-1", ChatRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Empty(t, resp.TraceID)

	messages, err := mock.GetMessages(context.Background(), resp.ConversationID, 0)
	require.NoError(t, err)
	assert.Empty(t, messages[1].TraceID)
}

func TestChat_ConcurrentTurnsSameConversation(t *testing.T) {
	gw := &fakeGateway{result: &engine.Result{Text: "reply"}}
	svc, mock := setupService(t, gw)
	ctx := context.Background()

	resp, err := svc.Chat(ctx, "user-1", ChatRequest{Message: "seed"})
	require.NoError(t, err)

	const turns = 8
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Chat(ctx, "user-1", ChatRequest{
				ConversationID: resp.ConversationID,
				Message:        "concurrent turn",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	messages, err := mock.GetMessages(ctx, resp.ConversationID, 0)
	require.NoError(t, err)
	// Seed turn plus eight serialized turns, two messages each.
	require.Len(t, messages, 2*(turns+1))

	// Turns are serialized, so messages strictly alternate user/assistant.
	for i, msg := range messages {
		if i%2 == 0 {
			assert.Equal(t, store.RoleUser, msg.Role, "message %d", i)
		} else {
			assert.Equal(t, store.RoleAssistant, msg.Role, "message %d", i)
		}
	}
}

func TestGetConversation_WithMessages(t *testing.T) {
	svc, _ := setupService(t, &fakeGateway{result: &engine.Result{Text: "sure"}})
	ctx := context.Background()

	resp, err := svc.Chat(ctx, "user-1", ChatRequest{Message: "show me"})
	require.NoError(t, err)

	conv, messages, err := svc.GetConversation(ctx, "user-1", resp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, resp.ConversationID, conv.ID)
	require.Len(t, messages, 2)
}

func TestGetConversation_OwnershipMismatch(t *testing.T) {
	svc, mock := setupService(t, &fakeGateway{})
	ctx := context.Background()

	require.NoError(t, mock.CreateUser(ctx, &store.User{ID: "user-2", Email: "other@example.com"}))
	resp, err := svc.Chat(ctx, "user-1", ChatRequest{Message: "private"})
	require.NoError(t, err)

	_, _, err = svc.GetConversation(ctx, "user-2", resp.ConversationID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListConversations(t *testing.T) {
	svc, _ := setupService(t, &fakeGateway{})
	ctx := context.Background()

	_, err := svc.Chat(ctx, "user-1", ChatRequest{Message: "first topic"})
	require.NoError(t, err)
	_, err = svc.Chat(ctx, "user-1", ChatRequest{Message: "second topic"})
	require.NoError(t, err)

	convs, err := svc.ListConversations(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, convs, 2)
}

func TestLookupTrace(t *testing.T) {
	gw := &fakeGateway{result: &engine.Result{Text: "found it", TraceID: "trace-77"}}
	svc, mock := setupService(t, gw)
	ctx := context.Background()

	resp, err := svc.Chat(ctx, "user-1", ChatRequest{Message: "trace me"})
	require.NoError(t, err)

	ref, err := svc.LookupTrace(ctx, "user-1", "trace-77")
	require.NoError(t, err)
	assert.Equal(t, resp.ConversationID, ref.ConversationID)
	assert.Equal(t, resp.Message.ID, ref.MessageID)
	assert.Equal(t, "trace-77", ref.TraceID)

	_, err = svc.LookupTrace(ctx, "user-1", "trace-unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, mock.CreateUser(ctx, &store.User{ID: "user-2", Email: "other@example.com"}))
	_, err = svc.LookupTrace(ctx, "user-2", "trace-77")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeriveTitle(t *testing.T) {
	long := strings.Repeat("word ", 20)
	assert.Equal(t, "word word word word word...", deriveTitle(long))
	assert.Equal(t, "hello", deriveTitle("hello"))
	assert.Equal(t, "", deriveTitle("   "))
}
