// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	users         map[string]*User          // keyed by user ID
	usersByEmail  map[string]string         // email -> user ID
	conversations map[string]*Conversation  // keyed by conversation ID
	messages      map[string][]*Message     // keyed by conversation ID

	// FailAppend, when set, makes AppendMessage return this error.
	FailAppend error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[string]*User),
		usersByEmail:  make(map[string]string),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usersByEmail[user.Email]; ok {
		return ErrDuplicateEmail
	}

	u := *user
	m.users[u.ID] = &u
	m.usersByEmail[u.Email] = u.ID
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u := *user
	return &u, nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usersByEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	u := *m.users[id]
	return &u, nil
}

// UpdateUser updates a user's name and email.
func (m *MockStore) UpdateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.users[user.ID]
	if !ok {
		return ErrNotFound
	}

	if otherID, taken := m.usersByEmail[user.Email]; taken && otherID != user.ID {
		return ErrDuplicateEmail
	}

	delete(m.usersByEmail, existing.Email)
	existing.Email = user.Email
	existing.Name = user.Name
	existing.UpdatedAt = time.Now()
	m.usersByEmail[existing.Email] = existing.ID
	return nil
}

// UpdateUserPassword replaces a user's password hash.
func (m *MockStore) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.UpdatedAt = time.Now()
	return nil
}

// UpdateUserPreferences replaces a user's preferences bag.
func (m *MockStore) UpdateUserPreferences(ctx context.Context, id, preferences string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	user.Preferences = preferences
	user.UpdatedAt = time.Now()
	return nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// ListConversations returns a user's conversations, most recently updated first.
func (m *MockStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, conv := range m.conversations {
		if conv.UserID == userID {
			c := *conv
			result = append(result, &c)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	return result, nil
}

// AppendMessage appends a message and bumps the conversation's updated_at.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAppend != nil {
		return m.FailAppend
	}

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}

	msgCopy := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &msgCopy)
	conv.UpdatedAt = msg.CreatedAt
	return nil
}

// GetMessages returns a conversation's messages in append order.
func (m *MockStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.messages[conversationID]
	if limit > 0 && limit < len(stored) {
		stored = stored[:limit]
	}

	result := make([]*Message, len(stored))
	for i, msg := range stored {
		msgCopy := *msg
		result[i] = &msgCopy
	}
	return result, nil
}

// GetMessageByTrace finds the first message recorded with traceID.
func (m *MockStore) GetMessageByTrace(ctx context.Context, traceID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if traceID == "" {
		return nil, ErrNotFound
	}
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.TraceID == traceID {
				msgCopy := *msg
				return &msgCopy, nil
			}
		}
	}
	return nil, ErrNotFound
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
