// ABOUTME: HTTP handlers for chat turns, conversations, and trace lookup
// ABOUTME: Thin JSON layer over the session service

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yardly/yardly-gateway/internal/auth"
	"github.com/yardly/yardly-gateway/internal/session"
	"github.com/yardly/yardly-gateway/internal/store"
)

// ChatRequest is the JSON request body for POST /api/agents/chat.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is the JSON response for a completed chat turn.
type ChatResponse struct {
	ConversationID string          `json:"conversation_id"`
	Message        MessageResponse `json:"message"`
	TraceID        string          `json:"trace_id,omitempty"`
}

// MessageResponse is the JSON shape of one stored message.
type MessageResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	TraceID   string `json:"trace_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ConversationSummary is the JSON shape of a conversation without messages.
type ConversationSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ConversationDetail is the JSON response for a single conversation.
type ConversationDetail struct {
	ConversationSummary
	Messages []MessageResponse `json:"messages"`
}

// TraceResponse is the JSON response for GET /api/agents/trace/{id}.
type TraceResponse struct {
	TraceID        string `json:"trace_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

func messageResponse(msg *store.Message) MessageResponse {
	return MessageResponse{
		ID:        msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		TraceID:   msg.TraceID,
		CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func conversationSummary(conv *store.Conversation) ConversationSummary {
	return ConversationSummary{
		ID:        conv.ID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: conv.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// parseChatRequest parses and validates a ChatRequest from the given reader.
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}
	return &req, nil
}

// handleChat handles POST /api/agents/chat: one user turn through the
// session service, answering with the assistant's reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseChatRequest(r.Body)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	user := auth.MustFromContext(r.Context())
	resp, err := s.session.Chat(r.Context(), user.UserID, session.ChatRequest{
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		ConversationID: resp.ConversationID,
		Message:        messageResponse(resp.Message),
		TraceID:        resp.TraceID,
	})
}

// handleListConversations handles GET /api/agents/conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	user := auth.MustFromContext(r.Context())
	convs, err := s.session.ListConversations(r.Context(), user.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	summaries := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summaries = append(summaries, conversationSummary(conv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

// handleGetConversation handles GET /api/agents/conversations/{id},
// returning the conversation with its full message log.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/agents/conversations/")
	if id == "" || strings.Contains(id, "/") {
		sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	user := auth.MustFromContext(r.Context())
	conv, messages, err := s.session.GetConversation(r.Context(), user.UserID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	detail := ConversationDetail{
		ConversationSummary: conversationSummary(conv),
		Messages:            make([]MessageResponse, 0, len(messages)),
	}
	for _, msg := range messages {
		detail.Messages = append(detail.Messages, messageResponse(msg))
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleTrace handles GET /api/agents/trace/{id}, locating the message
// that recorded the trace identifier.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	traceID := strings.TrimPrefix(r.URL.Path, "/api/agents/trace/")
	if traceID == "" || strings.Contains(traceID, "/") {
		sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	user := auth.MustFromContext(r.Context())
	ref, err := s.session.LookupTrace(r.Context(), user.UserID, traceID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TraceResponse{
		TraceID:        ref.TraceID,
		ConversationID: ref.ConversationID,
		MessageID:      ref.MessageID,
	})
}
