// ABOUTME: Store interface and data types for yardly-gateway persistence
// ABOUTME: Defines User, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when creating or updating a user with an
// email address that another user already owns
var ErrDuplicateEmail = errors.New("email already in use")

// Message roles - closed set, enforced by a CHECK constraint in SQLite
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ValidRole reports whether role is one of the allowed message roles.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant || role == RoleSystem
}

// User represents a registered account
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string // bcrypt hash
	Preferences  string // opaque JSON bag, empty if never set
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Conversation represents a persisted chat conversation owned by one user.
// Messages are stored separately and loaded via GetMessages.
type Conversation struct {
	ID        string
	UserID    string // owner, set once at creation
	Title     string
	Metadata  string // opaque JSON bag, empty if never set
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single entry in a conversation's append-only log
type Message struct {
	ID             string
	ConversationID string
	Role           string // "user", "assistant", "system"
	Content        string
	TraceID        string // set for assistant messages when the engine returned one
	CreatedAt      time.Time
}

// Store defines the interface for user and conversation persistence
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	UpdateUserPassword(ctx context.Context, id, passwordHash string) error
	UpdateUserPreferences(ctx context.Context, id, preferences string) error

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)

	// Messages (append-only; there is deliberately no update or delete)
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	GetMessageByTrace(ctx context.Context, traceID string) (*Message, error)

	// Close releases any resources held by the store
	Close() error
}
