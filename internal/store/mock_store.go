// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same invariants

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
// Values are copied on the way in and out so callers never share state.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	order         []string                 // conversation IDs in creation order
	messages      map[string][]*Message    // keyed by conversation ID
	messageIDs    map[string]struct{}

	// CommitErr, when set, is returned by CommitTurn without applying anything.
	CommitErr error
	// AppendErr, when set, is returned by AppendMessage without applying anything.
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		messageIDs:    make(map[string]struct{}),
	}
}

func cloneConversation(c *Conversation) *Conversation {
	out := *c
	out.Slots = c.Slots.Clone()
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func cloneMessage(m *Message) *Message {
	out := *m
	if m.Products != nil {
		out.Products = make([]json.RawMessage, len(m.Products))
		for i, p := range m.Products {
			out.Products[i] = append(json.RawMessage(nil), p...)
		}
	}
	return &out
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return nil
	}
	if conv.Status == StatusActive {
		for _, c := range m.conversations {
			if c.ExternalID == conv.ExternalID && c.Status == StatusActive {
				return ErrActiveConversationExists
			}
		}
	}

	m.conversations[conv.ID] = cloneConversation(conv)
	m.order = append(m.order, conv.ID)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

// GetActiveConversation retrieves the active conversation for an external id.
func (m *MockStore) GetActiveConversation(ctx context.Context, externalID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conversations {
		if c.ExternalID == externalID && c.Status == StatusActive {
			return cloneConversation(c), nil
		}
	}
	return nil, ErrNotFound
}

// ListConversations returns conversations for an external id, newest first.
func (m *MockStore) ListConversations(ctx context.Context, externalID string, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Conversation
	for i := len(m.order) - 1; i >= 0; i-- {
		c := m.conversations[m.order[i]]
		if c.ExternalID != externalID {
			continue
		}
		out = append(out, cloneConversation(c))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AppendMessage adds a message to a conversation.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	m.appendLocked(msg)
	c.UpdatedAt = msg.CreatedAt
	return nil
}

func (m *MockStore) appendLocked(msg *Message) {
	if _, dup := m.messageIDs[msg.ID]; dup {
		return
	}
	m.messageIDs[msg.ID] = struct{}{}
	stored := cloneMessage(msg)
	if stored.Type == "" {
		stored.Type = MessageTypeText
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], stored)
}

// GetMessages returns the latest messages of a conversation in append order.
func (m *MockStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}

	out := make([]*Message, 0, len(all)-start)
	for _, msg := range all[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

// CommitTurn applies a turn atomically.
func (m *MockStore) CommitTurn(ctx context.Context, turn *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CommitErr != nil {
		return m.CommitErr
	}
	c, ok := m.conversations[turn.ConversationID]
	if !ok || c.Status != StatusActive {
		return fmt.Errorf("conversation %s is not active: %w", turn.ConversationID, ErrNotFound)
	}

	for _, msg := range turn.Messages {
		m.appendLocked(msg)
	}
	c.Slots = turn.Slots.Clone()
	c.Stage = turn.Stage
	c.UpdatedAt = turn.At
	if turn.Complete {
		at := turn.At
		c.Status = StatusCompleted
		c.CompletedAt = &at
	}
	return nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
