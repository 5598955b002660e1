// ABOUTME: Canonical wire types exchanged with connected chat sessions
// ABOUTME: Defines the inbound Turn and the single Outbound event shape

package event

import (
	"encoding/json"
	"strings"
)

// Type is the kind of an outbound event.
type Type string

const (
	TypeText          Type = "text"
	TypeSearchStatus  Type = "search_status"
	TypeSearchResults Type = "search_results"
	TypeSearchError   Type = "search_error"
	TypeError         Type = "error"
)

// SenderAI is the only sender value clients ever receive.
const SenderAI = "ai"

// Outbound is the one event shape delivered to a chat session.
// Done=false means more events follow for the same turn.
type Outbound struct {
	Done     bool              `json:"done"`
	Type     Type              `json:"type"`
	Content  string            `json:"content"`
	Sender   string            `json:"sender"`
	Products []json.RawMessage `json:"products,omitempty"`
}

// Text builds an assistant text event.
func Text(content string, done bool) Outbound {
	return Outbound{Done: done, Type: TypeText, Content: content, Sender: SenderAI}
}

// Error builds a terminal error event.
func Error(content string) Outbound {
	return Outbound{Done: true, Type: TypeError, Content: content, Sender: SenderAI}
}

// SearchStatus builds a non-terminal progress event.
func SearchStatus(content string) Outbound {
	return Outbound{Done: false, Type: TypeSearchStatus, Content: content, Sender: SenderAI}
}

// SearchResults builds a result event carrying matched products.
func SearchResults(content string, products []json.RawMessage, done bool) Outbound {
	return Outbound{Done: done, Type: TypeSearchResults, Content: content, Sender: SenderAI, Products: products}
}

// SearchError builds a terminal downstream failure event.
func SearchError(content string) Outbound {
	return Outbound{Done: true, Type: TypeSearchError, Content: content, Sender: SenderAI}
}

// Turn is one inbound user message from a chat session.
type Turn struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	Language       string `json:"language,omitempty"`
	AttachmentURL  string `json:"attachment_url,omitempty"`
}

// Normalize trims surrounding whitespace from identifying fields.
func (t *Turn) Normalize() {
	t.ConversationID = strings.TrimSpace(t.ConversationID)
	t.Message = strings.TrimSpace(t.Message)
	t.Provider = strings.ToLower(strings.TrimSpace(t.Provider))
	t.Model = strings.TrimSpace(t.Model)
	t.Language = strings.ToLower(strings.TrimSpace(t.Language))
	t.AttachmentURL = strings.TrimSpace(t.AttachmentURL)
}
