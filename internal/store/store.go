// ABOUTME: Store interface and data types for intake-gateway persistence
// ABOUTME: Defines Conversation, Message, Slots and the atomic Turn commit

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrActiveConversationExists is returned when creating a second active
// conversation for the same external id
var ErrActiveConversationExists = errors.New("active conversation already exists")

// Status is the lifecycle state of a conversation record.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Stage is the slot the intake flow is currently soliciting.
type Stage string

const (
	StageProduct      Stage = "product"
	StageQuantity     Stage = "quantity"
	StageSupplierType Stage = "supplier_type"
	StageOptional     Stage = "optional"
	StageComplete     Stage = "complete"
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageProduct, StageQuantity, StageSupplierType, StageOptional, StageComplete:
		return true
	}
	return false
}

// Slots is the structured request collected across turns.
// A nil field has not been filled yet.
type Slots struct {
	Product      *string `json:"product"`
	Quantity     *int    `json:"quantity"`
	SupplierType *string `json:"supplier_type"`

	Brand            *string `json:"brand"`
	Model            *string `json:"model"`
	Description      *string `json:"description"`
	DeliveryLocation *string `json:"delivery_location"`
	DeliveryTimeline *string `json:"delivery_timeline"`
	SupplierListName *string `json:"supplier_list_name"`
}

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// MessageType tags the medium a message arrived in.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeFile  MessageType = "file"
	MessageTypeImage MessageType = "image"
	MessageTypeVoice MessageType = "voice"
)

// Conversation is one intake cycle owned by an external conversation id.
type Conversation struct {
	ID          string
	ExternalID  string
	Status      Status
	Stage       Stage
	Slots       Slots
	Language    string
	Provider    string
	Model       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Message is an immutable entry in a conversation's history.
type Message struct {
	ID             string
	ConversationID string
	Sender         Sender
	Type           MessageType
	Content        string
	AttachmentURL  string
	Products       []json.RawMessage
	CreatedAt      time.Time
}

// Turn is everything one processed user turn changes. It is committed
// atomically: either all messages and the state update are visible, or none.
type Turn struct {
	ConversationID string
	Messages       []*Message
	Slots          Slots
	Stage          Stage
	// Complete marks the conversation completed at At.
	Complete bool
	At       time.Time
}

// Store defines the interface for conversation persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetActiveConversation(ctx context.Context, externalID string) (*Conversation, error)
	ListConversations(ctx context.Context, externalID string, limit int) ([]*Conversation, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// CommitTurn applies a Turn in a single transaction.
	CommitTurn(ctx context.Context, turn *Turn) error

	Close() error
}

// RequiredFilled reports whether every required slot holds a valid value.
func (s Slots) RequiredFilled() bool {
	return s.Product != nil && *s.Product != "" &&
		s.Quantity != nil && *s.Quantity > 0 &&
		s.SupplierType != nil && ValidSupplierType(*s.SupplierType)
}

// ValidSupplierType reports whether v is one of the accepted supplier scopes.
func ValidSupplierType(v string) bool {
	switch v {
	case "private", "public", "both":
		return true
	}
	return false
}

// Clone returns a deep copy so callers cannot alias stored pointers.
func (s Slots) Clone() Slots {
	return Slots{
		Product:          cloneString(s.Product),
		Quantity:         cloneInt(s.Quantity),
		SupplierType:     cloneString(s.SupplierType),
		Brand:            cloneString(s.Brand),
		Model:            cloneString(s.Model),
		Description:      cloneString(s.Description),
		DeliveryLocation: cloneString(s.DeliveryLocation),
		DeliveryTimeline: cloneString(s.DeliveryTimeline),
		SupplierListName: cloneString(s.SupplierListName),
	}
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
