// ABOUTME: Tests for the conversation history HTTP API
// ABOUTME: Seeds the mock store and checks JSON listings and the HTML transcript

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/intake-gateway/internal/store"
)

func seedConversation(t *testing.T, s *store.MockStore) *store.Conversation {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	product := "office chairs"

	conv := &store.Conversation{
		ID:         "rec-1",
		ExternalID: "conv-1",
		Status:     store.StatusActive,
		Stage:      store.StageQuantity,
		Slots:      store.Slots{Product: &product},
		Language:   "en",
		Provider:   "gemini",
		Model:      "gemini-1.5-flash",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateConversation(ctx, conv))

	msgs := []*store.Message{
		{ID: "m-1", ConversationID: "rec-1", Sender: store.SenderUser, Type: store.MessageTypeText, Content: "I need office chairs", CreatedAt: now},
		{ID: "m-2", ConversationID: "rec-1", Sender: store.SenderAssistant, Type: store.MessageTypeText, Content: "How **many** chairs do you need?", CreatedAt: now.Add(time.Second)},
		{ID: "m-3", ConversationID: "rec-1", Sender: store.SenderUser, Type: store.MessageTypeImage, Content: "<script>alert(1)</script>", AttachmentURL: "https://cdn.example.com/chair.png", CreatedAt: now.Add(2 * time.Second)},
	}
	for _, m := range msgs {
		require.NoError(t, s.AppendMessage(ctx, m))
	}
	return conv
}

func get(t *testing.T, gw *testGateway, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestHandleListConversations(t *testing.T) {
	gw := newTestGateway(t, nil)
	seedConversation(t, gw.store)

	rec := get(t, gw, "/api/conversations?conversation_id=conv-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ConversationListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "conv-1", resp.ConversationID)
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, "rec-1", resp.Conversations[0].ID)
	assert.Equal(t, "quantity", resp.Conversations[0].Stage)
	assert.Equal(t, "office chairs", *resp.Conversations[0].Slots.Product)
	assert.Nil(t, resp.Conversations[0].CompletedAt)
}

func TestHandleListConversations_Validation(t *testing.T) {
	gw := newTestGateway(t, nil)

	rec := get(t, gw, "/api/conversations")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "conversation_id is required", decodeError(t, rec))

	rec = get(t, gw, "/api/conversations?conversation_id=conv-1&limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, gw, "/api/conversations?conversation_id=unknown")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ConversationListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Conversations)
}

func TestHandleGetConversation(t *testing.T) {
	gw := newTestGateway(t, nil)
	seedConversation(t, gw.store)

	rec := get(t, gw, "/api/conversations/rec-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Equal(t, "active", resp.Status)
	assert.Equal(t, "2026-03-01T10:00:00Z", resp.CreatedAt)

	rec = get(t, gw, "/api/conversations/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "conversation not found", decodeError(t, rec))
}

func TestHandleConversationMessages(t *testing.T) {
	gw := newTestGateway(t, nil)
	seedConversation(t, gw.store)

	rec := get(t, gw, "/api/conversations/rec-1/messages")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, "m-1", resp.Messages[0].ID)
	assert.Equal(t, "user", resp.Messages[0].Sender)
	assert.Equal(t, "image", resp.Messages[2].Type)
	assert.Equal(t, "https://cdn.example.com/chair.png", resp.Messages[2].AttachmentURL)
}

func TestHandleConversationMessages_Limit(t *testing.T) {
	gw := newTestGateway(t, nil)
	seedConversation(t, gw.store)

	rec := get(t, gw, "/api/conversations/rec-1/messages?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "m-2", resp.Messages[0].ID, "limit keeps the most recent messages")

	rec = get(t, gw, "/api/conversations/rec-1/messages?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, gw, "/api/conversations/missing/messages")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTranscript(t *testing.T) {
	gw := newTestGateway(t, nil)
	seedConversation(t, gw.store)

	rec := get(t, gw, "/api/conversations/rec-1/transcript")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "Intake conv-1")
	assert.Contains(t, body, "<strong>many</strong>")
	assert.Contains(t, body, "office chairs")
	assert.Contains(t, body, `href="https://cdn.example.com/chair.png"`)
	assert.NotContains(t, body, "<script>alert(1)</script>")
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
		ok    bool
	}{
		{"", 50, true},
		{"limit=10", 10, true},
		{"limit=5000", 1000, true},
		{"limit=0", 0, false},
		{"limit=abc", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/conversations?"+tt.query, nil)
			got, ok := parseLimit(r)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRenderMarkdown(t *testing.T) {
	assert.Equal(t, "<p><em>hi</em></p>\n", string(renderMarkdown("*hi*")))
}
