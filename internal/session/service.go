// ABOUTME: Conversation session manager coordinating store and engine
// ABOUTME: Records the user's message durably before invoking the engine

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yardly/yardly-gateway/internal/engine"
	"github.com/yardly/yardly-gateway/internal/store"
)

// ErrEmptyMessage is returned when a chat turn carries no message text
var ErrEmptyMessage = errors.New("message must not be empty")

// titleWordLimit caps how many words of the first message become the title
const titleWordLimit = 5

// ChatRequest is one user turn. ConversationID is empty for a new
// conversation; the service creates one and titles it from the message.
type ChatRequest struct {
	ConversationID string
	Message        string
}

// ChatResponse carries the assistant's reply for a completed turn.
type ChatResponse struct {
	ConversationID string
	Message        *store.Message
	TraceID        string
}

// TraceRef locates the assistant message that carried a trace identifier.
type TraceRef struct {
	TraceID        string
	ConversationID string
	MessageID      string
}

// Service owns the lifecycle of a chat turn: resolve the conversation,
// persist the user's message, run the engine over the full history, and
// persist the reply. Turns on the same conversation are serialized; turns
// on different conversations run concurrently.
type Service struct {
	store   store.Store
	gateway engine.Gateway
	logger  *slog.Logger
	locks   *keyedLocks
}

// NewService creates a session service backed by st and gw.
func NewService(st store.Store, gw engine.Gateway, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		gateway: gw,
		logger:  logger.With("component", "session"),
		locks:   newKeyedLocks(),
	}
}

// Chat executes one turn for userID. The user's message is persisted
// before the engine runs, so a failed invocation never loses input; the
// caller sees the engine error and the message survives in the log.
func (s *Service) Chat(ctx context.Context, userID string, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := s.resolveConversation(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	release := s.locks.Acquire(conv.ID)
	defer release()

	userMsg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Content:        req.Message,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}

	history, err := s.store.GetMessages(ctx, conv.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	workflow := "conversation_" + conv.ID
	s.logger.Info("running chat turn",
		"conversation_id", conv.ID,
		"user_id", userID,
		"history", len(history))

	result, err := s.gateway.Invoke(ctx, toEngineHistory(history), workflow)
	if err != nil {
		s.logger.Error("engine invocation failed",
			"conversation_id", conv.ID,
			"error", err)
		return nil, err
	}

	assistantMsg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           store.RoleAssistant,
		Content:        result.Text,
		TraceID:        result.TraceID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("recording assistant message: %w", err)
	}

	s.logger.Info("chat turn complete",
		"conversation_id", conv.ID,
		"trace_id", result.TraceID)

	return &ChatResponse{
		ConversationID: conv.ID,
		Message:        assistantMsg,
		TraceID:        result.TraceID,
	}, nil
}

// resolveConversation returns the existing conversation or creates a new
// one titled from the first message. An existing conversation owned by a
// different user reports ErrNotFound, never an ownership hint.
func (s *Service) resolveConversation(ctx context.Context, userID string, req ChatRequest) (*store.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := s.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv.UserID != userID {
			return nil, store.ErrNotFound
		}
		return conv, nil
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     deriveTitle(req.Message),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Info("created conversation",
		"conversation_id", conv.ID,
		"user_id", userID,
		"title", conv.Title)
	return conv, nil
}

// ListConversations returns the user's conversations, most recently
// active first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, userID)
}

// GetConversation returns one conversation and its full message log.
// Conversations owned by other users report ErrNotFound.
func (s *Service) GetConversation(ctx context.Context, userID, conversationID string) (*store.Conversation, []*store.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if conv.UserID != userID {
		return nil, nil, store.ErrNotFound
	}
	messages, err := s.store.GetMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, nil, err
	}
	return conv, messages, nil
}

// LookupTrace finds the user's message that carried traceID.
func (s *Service) LookupTrace(ctx context.Context, userID, traceID string) (*TraceRef, error) {
	msg, err := s.store.GetMessageByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, store.ErrNotFound
	}
	return &TraceRef{
		TraceID:        traceID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	}, nil
}

// deriveTitle builds a conversation title from the opening message: the
// first few words, with an ellipsis when the message runs longer.
func deriveTitle(message string) string {
	words := strings.Fields(message)
	if len(words) <= titleWordLimit {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:titleWordLimit], " ") + "..."
}

func toEngineHistory(messages []*store.Message) []engine.Message {
	history := make([]engine.Message, len(messages))
	for i, m := range messages {
		history[i] = engine.Message{Role: m.Role, Content: m.Content}
	}
	return history
}
