// ABOUTME: Wire frames exchanged with the fulfillment service
// ABOUTME: Closed set of typed downstream events plus the outbound handoff payload

package upstream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/2389/intake-gateway/internal/store"
)

// Frame event names.
const (
	EventSubmitRequest = "submit_request"
	EventSearchStatus  = "search_status"
	EventSearchResults = "search_results"
	EventSearchError   = "search_error"
)

var (
	// ErrMalformedFrame is returned for frames that are not a valid envelope.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownEvent is returned for event names outside the known set.
	ErrUnknownEvent = errors.New("unknown event")
)

// frame is the envelope used in both directions.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encodeFrame(name string, data any) ([]byte, error) {
	return json.Marshal(frame{Event: name, Data: data})
}

// Handoff is the completed request submitted to the fulfillment service.
// Slots are nested under "request" so the product model slot does not
// collide with the language model name.
type Handoff struct {
	ConversationID string      `json:"conversation_id"`
	Request        store.Slots `json:"request"`
	Message        string      `json:"message,omitempty"`
	Language       string      `json:"language"`
	Provider       string      `json:"provider"`
	Model          string      `json:"model"`
}

// Downstream is one event received from the fulfillment service.
// The set of implementations is closed: SearchStatus, SearchResults and
// SearchError.
type Downstream interface {
	Conversation() string
	ID() string
	downstream()
}

// SearchStatus is a progress update. It is delivered but not persisted.
type SearchStatus struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	EventID        string `json:"event_id,omitempty"`
}

// SearchResults carries matched products. Done defaults to true.
type SearchResults struct {
	ConversationID string            `json:"conversation_id"`
	Content        string            `json:"content"`
	Products       []json.RawMessage `json:"products"`
	Done           *bool             `json:"done,omitempty"`
	EventID        string            `json:"event_id,omitempty"`
}

// SearchError reports that fulfillment failed for the conversation.
type SearchError struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	EventID        string `json:"event_id,omitempty"`
}

func (e *SearchStatus) Conversation() string  { return e.ConversationID }
func (e *SearchResults) Conversation() string { return e.ConversationID }
func (e *SearchError) Conversation() string   { return e.ConversationID }

func (e *SearchStatus) ID() string  { return e.EventID }
func (e *SearchResults) ID() string { return e.EventID }
func (e *SearchError) ID() string   { return e.EventID }

func (*SearchStatus) downstream()  {}
func (*SearchResults) downstream() {}
func (*SearchError) downstream()   {}

// IsDone reports whether this is the final result for the turn.
func (e *SearchResults) IsDone() bool {
	return e.Done == nil || *e.Done
}

// DecodeDownstream parses one inbound frame into its typed event.
func DecodeDownstream(data []byte) (Downstream, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}

	name := gjson.GetBytes(data, "event").String()
	payload := gjson.GetBytes(data, "data")
	if !payload.IsObject() {
		return nil, fmt.Errorf("%w: missing data object for %q", ErrMalformedFrame, name)
	}

	var ev Downstream
	switch name {
	case EventSearchStatus:
		ev = &SearchStatus{}
	case EventSearchResults:
		ev = &SearchResults{}
	case EventSearchError:
		ev = &SearchError{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	if err := json.Unmarshal([]byte(payload.Raw), ev); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrMalformedFrame, name, err)
	}
	if ev.Conversation() == "" {
		return nil, fmt.Errorf("%w: %s without conversation_id", ErrMalformedFrame, name)
	}
	return ev, nil
}
