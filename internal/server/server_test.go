// ABOUTME: Tests for the HTTP API: auth flow, chat turns, and error mapping
// ABOUTME: Drives the full routed handler with httptest and a scripted engine

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yardly/yardly-gateway/internal/auth"
	"github.com/yardly/yardly-gateway/internal/config"
	"github.com/yardly/yardly-gateway/internal/engine"
	"github.com/yardly/yardly-gateway/internal/session"
	"github.com/yardly/yardly-gateway/internal/store"
)

// scriptedGateway returns a fixed result or error for every invocation.
type scriptedGateway struct {
	mu     sync.Mutex
	result *engine.Result
	err    error
	calls  int
}

func (g *scriptedGateway) Invoke(ctx context.Context, history []engine.Message, workflowName string) (*engine.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if g.result != nil {
		return g.result, nil
	}
	return &engine.Result{Text: "ok"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, gw engine.Gateway) (*Server, *store.MockStore) {
	t.Helper()

	mock := store.NewMockStore()
	verifier, err := auth.NewJWTVerifier([]byte("test-secret-key-for-jwt-signing!"))
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Auth.TokenTTL = time.Hour
	cfg.Auth.RefreshTTL = 24 * time.Hour

	s := &Server{
		config:   cfg,
		store:    mock,
		session:  session.NewService(mock, gw, nil),
		verifier: verifier,
		logger:   testLogger(),
	}
	s.httpServer = &http.Server{Handler: s.routes()}
	return s, mock
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

// registerUser registers a user through the API and returns the access token.
func registerUser(t *testing.T, s *Server, email string) (userID, token string) {
	t.Helper()

	rec := doJSON(t, s, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Email:    email,
		Password: "longenoughpassword",
		Name:     "Gardener",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	resp := decodeBody[AuthResponse](t, rec)
	return resp.User.ID, resp.AccessToken
}

func TestRegisterAndLogin(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})

	rec := doJSON(t, s, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Email:    "Gardener@Example.com",
		Password: "longenoughpassword",
		Name:     "Gardener",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[AuthResponse](t, rec)
	assert.Equal(t, "gardener@example.com", created.User.Email)
	assert.NotEmpty(t, created.AccessToken)
	assert.NotEmpty(t, created.RefreshToken)

	rec = doJSON(t, s, http.MethodPost, "/api/auth/login", "", LoginRequest{
		Email:    "gardener@example.com",
		Password: "longenoughpassword",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	logged := decodeBody[AuthResponse](t, rec)
	assert.Equal(t, created.User.ID, logged.User.ID)
}

func TestRegister_Validation(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})

	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"bad email", RegisterRequest{Email: "not-an-email", Password: "longenoughpassword", Name: "G"}},
		{"short password", RegisterRequest{Email: "a@b.com", Password: "short", Name: "G"}},
		{"missing name", RegisterRequest{Email: "a@b.com", Password: "longenoughpassword", Name: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, s, http.MethodPost, "/api/auth/register", "", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})
	registerUser(t, s, "gardener@example.com")

	rec := doJSON(t, s, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Email:    "gardener@example.com",
		Password: "longenoughpassword",
		Name:     "Impostor",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errResp := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "email already in use", errResp["error"])
}

func TestLogin_InvalidCredentials(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})
	registerUser(t, s, "gardener@example.com")

	// Wrong password and unknown email answer identically.
	for _, req := range []LoginRequest{
		{Email: "gardener@example.com", Password: "wrongpassword"},
		{Email: "nobody@example.com", Password: "longenoughpassword"},
	} {
		rec := doJSON(t, s, http.MethodPost, "/api/auth/login", "", req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		errResp := decodeBody[map[string]string](t, rec)
		assert.Equal(t, "invalid credentials", errResp["error"])
	}
}

func TestRefresh(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})

	rec := doJSON(t, s, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Email:    "gardener@example.com",
		Password: "longenoughpassword",
		Name:     "Gardener",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[AuthResponse](t, rec)

	rec = doJSON(t, s, http.MethodPost, "/api/auth/refresh", "", RefreshRequest{
		RefreshToken: created.RefreshToken,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	refreshed := decodeBody[map[string]string](t, rec)
	assert.NotEmpty(t, refreshed["access_token"])

	// An access token is not accepted as a refresh token.
	rec = doJSON(t, s, http.MethodPost, "/api/auth/refresh", "", RefreshRequest{
		RefreshToken: created.AccessToken,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChat_RequiresAuth(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})

	rec := doJSON(t, s, http.MethodPost, "/api/agents/chat", "", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/agents/chat", "garbage-token", ChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChat_FullTurn(t *testing.T) {
	gw := &scriptedGateway{result: &engine.Result{Text: "aerate in the fall", TraceID: "trace-1"}}
	s, _ := newTestServer(t, gw)
	_, token := registerUser(t, s, "gardener@example.com")

	rec := doJSON(t, s, http.MethodPost, "/api/agents/chat", token, ChatRequest{
		Message: "When should I aerate my lawn this year?",
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	resp := decodeBody[ChatResponse](t, rec)
	assert.NotEmpty(t, resp.ConversationID)
	assert.Equal(t, "aerate in the fall", resp.Message.Content)
	assert.Equal(t, "assistant", resp.Message.Role)
	assert.Equal(t, "trace-1", resp.TraceID)

	// Follow-up turn reuses the conversation.
	rec = doJSON(t, s, http.MethodPost, "/api/agents/chat", token, ChatRequest{
		Message:        "What about overseeding?",
		ConversationID: resp.ConversationID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	followUp := decodeBody[ChatResponse](t, rec)
	assert.Equal(t, resp.ConversationID, followUp.ConversationID)
}

func TestChat_MissingMessage(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})
	_, token := registerUser(t, s, "gardener@example.com")

	rec := doJSON(t, s, http.MethodPost, "/api/agents/chat", token, ChatRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_EngineFailure(t *testing.T) {
	gw := &scriptedGateway{err: &engine.ExecutionError{ExitCode: 1, Stderr: "engine crashed"}}
	s, mock := newTestServer(t, gw)
	userID, token := registerUser(t, s, "gardener@example.com")

	rec := doJSON(t, s, http.MethodPost, "/api/agents/chat", token, ChatRequest{Message: "hello?"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	errResp := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "agent invocation failed", errResp["error"])

	// The user's message survived the failed turn.
	convs, err := mock.ListConversations(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	messages, err := mock.GetMessages(context.Background(), convs[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
}

func TestChat_EngineFailureDevMode(t *testing.T) {
	gw := &scriptedGateway{err: &engine.TimeoutError{Timeout: 30 * time.Second}}
	s, _ := newTestServer(t, gw)
	s.devMode = true
	_, token := registerUser(t, s, "gardener@example.com")

	rec := doJSON(t, s, http.MethodPost, "/api/agents/chat", token, ChatRequest{Message: "hello?"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	errResp := decodeBody[map[string]string](t, rec)
	assert.Contains(t, errResp["error"], "timed out")
}

func TestChat_UnknownConversation(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})
	_, token := registerUser(t, s, "gardener@example.com")

	rec := doJSON(t, s, http.MethodPost, "/api/agents/chat", token, ChatRequest{
		Message:        "hello",
		ConversationID: "no-such-conversation",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversations_ListAndGet(t *testing.T) {
	gw := &scriptedGateway{result: &engine.Result{Text: "reply", TraceID: "trace-2"}}
	s, _ := newTestServer(t, gw)
	_, token := registerUser(t, s, "gardener@example.com")

	rec := doJSON(t, s, http.MethodPost, "/api/agents/chat", token, ChatRequest{
		Message: "Is clover bad for a lawn or actually fine?",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	chat := decodeBody[ChatResponse](t, rec)

	rec = doJSON(t, s, http.MethodGet, "/api/agents/conversations", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[map[string][]ConversationSummary](t, rec)
	require.Len(t, list["conversations"], 1)
	assert.Equal(t, "Is clover bad for a...", list["conversations"][0].Title)

	rec = doJSON(t, s, http.MethodGet, "/api/agents/conversations/"+chat.ConversationID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[ConversationDetail](t, rec)
	require.Len(t, detail.Messages, 2)
	assert.Equal(t, "user", detail.Messages[0].Role)
	assert.Equal(t, "assistant", detail.Messages[1].Role)
	assert.Equal(t, "trace-2", detail.Messages[1].TraceID)
}

func TestConversations_OwnershipIsolation(t *testing.T) {
	gw := &scriptedGateway{}
	s, _ := newTestServer(t, gw)
	_, ownerToken := registerUser(t, s, "owner@example.com")
	_, otherToken := registerUser(t, s, "other@example.com")

	rec := doJSON(t, s, http.MethodPost, "/api/agents/chat", ownerToken, ChatRequest{Message: "mine"})
	require.Equal(t, http.StatusOK, rec.Code)
	chat := decodeBody[ChatResponse](t, rec)

	// The other user sees neither the listing entry nor the record itself.
	rec = doJSON(t, s, http.MethodGet, "/api/agents/conversations", otherToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[map[string][]ConversationSummary](t, rec)
	assert.Empty(t, list["conversations"])

	rec = doJSON(t, s, http.MethodGet, "/api/agents/conversations/"+chat.ConversationID, otherToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrace_Lookup(t *testing.T) {
	gw := &scriptedGateway{result: &engine.Result{Text: "found", TraceID: "trace-55"}}
	s, _ := newTestServer(t, gw)
	_, token := registerUser(t, s, "gardener@example.com")

	rec := doJSON(t, s, http.MethodPost, "/api/agents/chat", token, ChatRequest{Message: "trace me"})
	require.Equal(t, http.StatusOK, rec.Code)
	chat := decodeBody[ChatResponse](t, rec)

	rec = doJSON(t, s, http.MethodGet, "/api/agents/trace/trace-55", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trace := decodeBody[TraceResponse](t, rec)
	assert.Equal(t, chat.ConversationID, trace.ConversationID)
	assert.Equal(t, "trace-55", trace.TraceID)

	rec = doJSON(t, s, http.MethodGet, "/api/agents/trace/unknown", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsers_MeAndUpdate(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})
	userID, token := registerUser(t, s, "gardener@example.com")

	rec := doJSON(t, s, http.MethodGet, "/api/users/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[UserResponse](t, rec)
	assert.Equal(t, userID, me.ID)
	assert.Equal(t, "gardener@example.com", me.Email)

	rec = doJSON(t, s, http.MethodPatch, "/api/users/me", token, map[string]string{
		"name": "Head Gardener",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody[UserResponse](t, rec)
	assert.Equal(t, "Head Gardener", updated.Name)
	assert.Equal(t, "gardener@example.com", updated.Email)
}

func TestUsers_UpdateEmailConflict(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})
	registerUser(t, s, "taken@example.com")
	_, token := registerUser(t, s, "gardener@example.com")

	rec := doJSON(t, s, http.MethodPatch, "/api/users/me", token, map[string]string{
		"email": "taken@example.com",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsers_ChangePassword(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})
	_, token := registerUser(t, s, "gardener@example.com")

	rec := doJSON(t, s, http.MethodPost, "/api/users/change-password", token, map[string]string{
		"current_password": "wrongpassword",
		"new_password":     "anotherlongpassword",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/users/change-password", token, map[string]string{
		"current_password": "longenoughpassword",
		"new_password":     "anotherlongpassword",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Old password no longer works; new one does.
	rec = doJSON(t, s, http.MethodPost, "/api/auth/login", "", LoginRequest{
		Email:    "gardener@example.com",
		Password: "longenoughpassword",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/auth/login", "", LoginRequest{
		Email:    "gardener@example.com",
		Password: "anotherlongpassword",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUsers_Preferences(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})
	_, token := registerUser(t, s, "gardener@example.com")

	rec := doJSON(t, s, http.MethodGet, "/api/users/preferences", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decodeBody[map[string]map[string]any](t, rec)
	assert.Empty(t, empty["preferences"])

	rec = doJSON(t, s, http.MethodPatch, "/api/users/preferences", token, map[string]any{
		"preferences": map[string]any{"units": "imperial", "zone": "6b"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/users/preferences", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[map[string]map[string]any](t, rec)
	assert.Equal(t, "6b", got["preferences"]["zone"])

	rec = doJSON(t, s, http.MethodPatch, "/api/users/preferences", token, map[string]any{
		"preferences": "not-an-object",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, &scriptedGateway{})
	_, token := registerUser(t, s, "gardener@example.com")

	for path, method := range map[string]string{
		"/api/auth/register":        http.MethodGet,
		"/api/agents/chat":          http.MethodGet,
		"/api/agents/conversations": http.MethodPost,
	} {
		rec := doJSON(t, s, method, path, token, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, fmt.Sprintf("%s %s", method, path))
	}
}
