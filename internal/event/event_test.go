// ABOUTME: Tests for the canonical outbound event and inbound turn types
// ABOUTME: Checks constructor flags and the serialized field set clients depend on

package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors_DoneFlags(t *testing.T) {
	assert.True(t, Text("hi", true).Done)
	assert.False(t, Text("hi", false).Done)
	assert.True(t, Error("boom").Done)
	assert.False(t, SearchStatus("looking").Done)
	assert.True(t, SearchError("nothing").Done)

	for _, ev := range []Outbound{Text("a", true), Error("b"), SearchStatus("c"), SearchError("d")} {
		assert.Equal(t, SenderAI, ev.Sender)
	}
}

func TestOutbound_OmitsEmptyProducts(t *testing.T) {
	data, err := json.Marshal(Text("hello", true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"done":true,"type":"text","content":"hello","sender":"ai"}`, string(data))
}

func TestOutbound_KeepsProductsVerbatim(t *testing.T) {
	products := []json.RawMessage{json.RawMessage(`{"name":"ThinkPad X1","price":1200}`)}
	data, err := json.Marshal(SearchResults("found 1", products, true))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"done":true,"type":"search_results","content":"found 1","sender":"ai","products":[{"name":"ThinkPad X1","price":1200}]}`,
		string(data))
}

func TestTurn_Normalize(t *testing.T) {
	turn := Turn{
		ConversationID: "  conv-1 ",
		Message:        " I need laptops \n",
		Provider:       " Gemini",
		Language:       "EN ",
	}
	turn.Normalize()

	assert.Equal(t, "conv-1", turn.ConversationID)
	assert.Equal(t, "I need laptops", turn.Message)
	assert.Equal(t, "gemini", turn.Provider)
	assert.Equal(t, "en", turn.Language)
}
