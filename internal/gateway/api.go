// ABOUTME: HTTP API handlers exposing stored intake conversations and their history
// ABOUTME: Serves JSON listings plus an HTML transcript rendered from markdown

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"

	"github.com/2389/intake-gateway/internal/store"
)

// ConversationResponse is the JSON shape of one intake record.
type ConversationResponse struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Status         string      `json:"status"`
	Stage          string      `json:"stage"`
	Slots          store.Slots `json:"slots"`
	Language       string      `json:"language"`
	Provider       string      `json:"provider"`
	Model          string      `json:"model"`
	CreatedAt      string      `json:"created_at"`
	UpdatedAt      string      `json:"updated_at"`
	CompletedAt    *string     `json:"completed_at,omitempty"`
}

// ConversationListResponse is the JSON response for GET /api/conversations.
type ConversationListResponse struct {
	ConversationID string                 `json:"conversation_id"`
	Conversations  []ConversationResponse `json:"conversations"`
}

// MessageResponse is the JSON shape of one stored message.
type MessageResponse struct {
	ID            string            `json:"id"`
	Sender        string            `json:"sender"`
	Type          string            `json:"type"`
	Content       string            `json:"content"`
	AttachmentURL string            `json:"attachment_url,omitempty"`
	Products      []json.RawMessage `json:"products,omitempty"`
	CreatedAt     string            `json:"created_at"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	ID       string            `json:"id"`
	Messages []MessageResponse `json:"messages"`
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:             c.ID,
		ConversationID: c.ExternalID,
		Status:         string(c.Status),
		Stage:          string(c.Stage),
		Slots:          c.Slots,
		Language:       c.Language,
		Provider:       c.Provider,
		Model:          c.Model,
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      c.UpdatedAt.Format(time.RFC3339),
	}
	if c.CompletedAt != nil {
		completed := c.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &completed
	}
	return resp
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseLimit reads ?limit=N (default 50, max 1000).
func parseLimit(r *http.Request) (int, bool) {
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			return 0, false
		}
		limit = parsed
		if limit > 1000 {
			limit = 1000
		}
	}
	return limit, true
}

// handleListConversations handles GET /api/conversations?conversation_id=X.
// Returns every intake record owned by the conversation id, newest first.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	externalID := r.URL.Query().Get("conversation_id")
	if externalID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	convs, err := g.store.ListConversations(r.Context(), externalID, limit)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ConversationListResponse{
		ConversationID: externalID,
		Conversations:  make([]ConversationResponse, len(convs)),
	}
	for i, c := range convs {
		resp.Conversations[i] = toConversationResponse(c)
	}
	g.sendJSON(w, resp)
}

// lookupConversation loads the record named by the {id} path parameter,
// writing the error response itself when it cannot.
func (g *Gateway) lookupConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	id := chi.URLParam(r, "id")
	conv, err := g.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to get conversation", "id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return conv, true
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.lookupConversation(w, r)
	if !ok {
		return
	}
	g.sendJSON(w, toConversationResponse(conv))
}

// handleConversationMessages handles GET /api/conversations/{id}/messages.
// Returns the most recent messages in append order, limited by ?limit=N.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	conv, ok := g.lookupConversation(w, r)
	if !ok {
		return
	}

	messages, err := g.store.GetMessages(r.Context(), conv.ID, limit)
	if err != nil {
		g.logger.Error("failed to get messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := MessagesResponse{
		ID:       conv.ID,
		Messages: make([]MessageResponse, len(messages)),
	}
	for i, msg := range messages {
		resp.Messages[i] = MessageResponse{
			ID:            msg.ID,
			Sender:        string(msg.Sender),
			Type:          string(msg.Type),
			Content:       msg.Content,
			AttachmentURL: msg.AttachmentURL,
			Products:      msg.Products,
			CreatedAt:     msg.CreatedAt.Format(time.RFC3339),
		}
	}
	g.sendJSON(w, resp)
}

// transcriptMessage is one rendered entry in the HTML transcript.
type transcriptMessage struct {
	Sender        string
	Type          string
	HTML          template.HTML
	AttachmentURL string
	Products      int
	Time          string
}

type transcriptData struct {
	Conversation ConversationResponse
	Messages     []transcriptMessage
}

// renderMarkdown converts message content to HTML. Raw HTML in the source is
// escaped by goldmark's default renderer.
func renderMarkdown(content string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(content), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(content))
	}
	return template.HTML(buf.String())
}

// handleTranscript handles GET /api/conversations/{id}/transcript.
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.lookupConversation(w, r)
	if !ok {
		return
	}

	messages, err := g.store.GetMessages(r.Context(), conv.ID, 0)
	if err != nil {
		g.logger.Error("failed to get messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	data := transcriptData{
		Conversation: toConversationResponse(conv),
		Messages:     make([]transcriptMessage, len(messages)),
	}
	for i, msg := range messages {
		data.Messages[i] = transcriptMessage{
			Sender:        string(msg.Sender),
			Type:          string(msg.Type),
			HTML:          renderMarkdown(msg.Content),
			AttachmentURL: msg.AttachmentURL,
			Products:      len(msg.Products),
			Time:          msg.CreatedAt.Format("2006-01-02 15:04:05"),
		}
	}

	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		g.logger.Error("failed to render transcript", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
