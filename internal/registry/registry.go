// ABOUTME: Tracks which live chat session currently serves each conversation id.
// ABOUTME: Routes outbound events to that session with at-most-once delivery.

package registry

import (
	"log/slog"
	"sync"

	"github.com/2389/intake-gateway/internal/event"
)

// Sink is a live transport session that can accept outbound events.
// Send must not block; a full or closed session returns an error.
type Sink interface {
	ID() string
	Send(ev event.Outbound) error
}

// Outcome reports what happened to a delivery.
type Outcome int

const (
	// Delivered means the bound session accepted the event.
	Delivered Outcome = iota
	// NoSession means no session is bound to the conversation id.
	NoSession
	// Failed means a session was bound but rejected the event.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case NoSession:
		return "no_session"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Registry maps conversation ids to sessions, with a reverse index from
// session id back to conversation id so Unbind is O(1).
type Registry struct {
	mu             sync.RWMutex
	byConversation map[string]Sink
	bySession      map[string]string
	logger         *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byConversation: make(map[string]Sink),
		bySession:      make(map[string]string),
		logger:         logger,
	}
}

// Bind routes conversationID to sink, replacing any previous session for that
// conversation. A session serves one conversation at a time, so binding a
// session that already serves another conversation moves it.
func (r *Registry) Bind(conversationID string, sink Sink) {
	sessionID := sink.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConversation[conversationID]; ok {
		if prev.ID() == sessionID {
			return
		}
		delete(r.bySession, prev.ID())
		r.logger.Info("session replaced",
			"conversation_id", conversationID,
			"old_session", prev.ID(),
			"new_session", sessionID,
		)
	}

	if oldConv, ok := r.bySession[sessionID]; ok && oldConv != conversationID {
		delete(r.byConversation, oldConv)
	}

	r.byConversation[conversationID] = sink
	r.bySession[sessionID] = conversationID
	r.logger.Debug("session bound",
		"conversation_id", conversationID,
		"session_id", sessionID,
		"total_sessions", len(r.bySession),
	)
}

// Unbind removes whichever conversation the session serves and returns it.
// Unknown sessions are a no-op and return "".
func (r *Registry) Unbind(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conversationID, ok := r.bySession[sessionID]
	if !ok {
		return ""
	}
	delete(r.bySession, sessionID)
	if sink, ok := r.byConversation[conversationID]; ok && sink.ID() == sessionID {
		delete(r.byConversation, conversationID)
	}

	r.logger.Debug("session unbound",
		"conversation_id", conversationID,
		"session_id", sessionID,
		"total_sessions", len(r.bySession),
	)
	return conversationID
}

// Deliver hands ev to the session bound to conversationID.
// The read lock is held across the hand-off so a concurrent Unbind cannot
// complete while an event is being routed to the session it removes.
func (r *Registry) Deliver(conversationID string, ev event.Outbound) Outcome {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sink, ok := r.byConversation[conversationID]
	if !ok {
		r.logger.Warn("no active session, dropping event",
			"conversation_id", conversationID,
			"type", ev.Type,
		)
		return NoSession
	}

	if err := sink.Send(ev); err != nil {
		r.logger.Warn("session rejected event",
			"conversation_id", conversationID,
			"session_id", sink.ID(),
			"type", ev.Type,
			"error", err,
		)
		return Failed
	}
	return Delivered
}

// Lookup returns the session id bound to conversationID.
func (r *Registry) Lookup(conversationID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sink, ok := r.byConversation[conversationID]
	if !ok {
		return "", false
	}
	return sink.ID(), true
}

// Sessions returns the number of bound sessions.
func (r *Registry) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}
