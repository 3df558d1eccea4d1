// ABOUTME: HTTP handlers for registration, login, tokens, and user profile
// ABOUTME: Passwords are bcrypt-hashed; unknown logins burn a dummy compare

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yardly/yardly-gateway/internal/auth"
	"github.com/yardly/yardly-gateway/internal/store"
)

// minPasswordLength is the minimum accepted password length.
const minPasswordLength = 8

// RegisterRequest is the JSON request body for POST /api/auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// LoginRequest is the JSON request body for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest is the JSON request body for POST /api/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// UserResponse is the JSON shape of a user profile.
type UserResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// AuthResponse is the JSON response for register and login.
type AuthResponse struct {
	User         UserResponse `json:"user"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
}

func userResponse(user *store.User) UserResponse {
	return UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		CreatedAt: user.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t")
}

// issueTokens generates an access and refresh token pair for the user.
func (s *Server) issueTokens(userID string) (access, refresh string, err error) {
	access, err = s.verifier.Generate(userID, s.config.Auth.TokenTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err = s.verifier.GenerateRefresh(userID, s.config.Auth.RefreshTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// handleRegister handles POST /api/auth/register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !validEmail(req.Email) {
		sendJSONError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < minPasswordLength {
		sendJSONError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	user := &store.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(req.Email),
		Name:         req.Name,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.writeError(w, err)
		return
	}

	access, refresh, err := s.issueTokens(user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("registered user", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, AuthResponse{
		User:         userResponse(user),
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

// handleLogin handles POST /api/auth/login. An unknown email burns a
// dummy bcrypt compare so lookup timing does not reveal which emails
// exist, and both failure modes answer the same 401.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		sendJSONError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), strings.ToLower(req.Email))
	if errors.Is(err, store.ErrNotFound) {
		auth.DummyCheck(req.Password)
		sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	access, refresh, err := s.issueTokens(user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("user logged in", "user_id", user.ID)
	writeJSON(w, http.StatusOK, AuthResponse{
		User:         userResponse(user),
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

// handleRefresh handles POST /api/auth/refresh, exchanging a refresh
// token for a new access token.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	userID, err := s.verifier.VerifyRefresh(req.RefreshToken)
	if err != nil {
		sendJSONError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	// The user can be deleted or disabled after the refresh token was
	// issued; confirm the account still exists before minting a token.
	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		sendJSONError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	access, err := s.verifier.Generate(userID, s.config.Auth.TokenTTL)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
}

// handleMe handles GET and PATCH /api/users/me.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetMe(w, r)
	case http.MethodPatch:
		s.handleUpdateMe(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())
	record, err := s.store.GetUser(r.Context(), user.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse(record))
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  *string `json:"name"`
		Email *string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user := auth.MustFromContext(r.Context())
	record, err := s.store.GetUser(r.Context(), user.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			sendJSONError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		record.Name = *req.Name
	}
	if req.Email != nil {
		if !validEmail(*req.Email) {
			sendJSONError(w, http.StatusBadRequest, "a valid email is required")
			return
		}
		record.Email = strings.ToLower(*req.Email)
	}
	record.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateUser(r.Context(), record); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse(record))
}

// handleChangePassword handles POST /api/users/change-password.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		sendJSONError(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}

	user := auth.MustFromContext(r.Context())
	record, err := s.store.GetUser(r.Context(), user.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !auth.CheckPassword(record.PasswordHash, req.CurrentPassword) {
		sendJSONError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.UpdateUserPassword(r.Context(), user.UserID, hash); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info("password changed", "user_id", user.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

// handlePreferences handles GET and PATCH /api/users/preferences. The
// preference bag is opaque JSON; the server stores it without inspecting
// its keys.
func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	switch r.Method {
	case http.MethodGet:
		record, err := s.store.GetUser(r.Context(), user.UserID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		prefs := json.RawMessage(record.Preferences)
		if len(prefs) == 0 {
			prefs = json.RawMessage("{}")
		}
		writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})

	case http.MethodPatch:
		var req struct {
			Preferences json.RawMessage `json:"preferences"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		var bag map[string]any
		if err := json.Unmarshal(req.Preferences, &bag); err != nil || bag == nil {
			sendJSONError(w, http.StatusBadRequest, "preferences must be an object")
			return
		}

		if err := s.store.UpdateUserPreferences(r.Context(), user.UserID, string(req.Preferences)); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"preferences": req.Preferences})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
