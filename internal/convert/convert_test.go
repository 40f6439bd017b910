package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOuterMessageUnmarshalPromotesStringContent(t *testing.T) {
	var m OuterMessage
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"ping"}`), &m))
	assert.Equal(t, "user", m.Role)
	require.Len(t, m.Content, 1)
	assert.Equal(t, "text", m.Content[0].Type)
	assert.Equal(t, "ping", m.Content[0].Text)
}

func TestOuterMessageUnmarshalKeepsBlockArray(t *testing.T) {
	var m OuterMessage
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":[{"type":"text","text":"hi"}]}`), &m))
	require.Len(t, m.Content, 1)
	assert.Equal(t, "hi", m.Content[0].Text)
}

func TestOuterRequestDecodesStringContentEndToEnd(t *testing.T) {
	raw := `{"model":"claude-sonnet-4-5","max_tokens":32,"messages":[{"role":"user","content":"ping"}]}`
	var req OuterRequest
	require.NoError(t, json.Unmarshal([]byte(raw), &req))

	inner, err := Convert(&req)
	require.NoError(t, err)
	assert.Equal(t, "ping", inner.PromptText)
}

func baseRequest() *OuterRequest {
	return &OuterRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		Messages: []OuterMessage{
			{Role: "user", Content: []OuterContent{{Type: "text", Text: "hello"}}},
		},
	}
}

func TestConvertSimpleChat(t *testing.T) {
	req := baseRequest()
	inner, err := Convert(req)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4.5", inner.Model)
	assert.Equal(t, "hello", inner.PromptText)
	assert.Empty(t, inner.History)
}

func TestConvertHistoryExcludesLastUserMessage(t *testing.T) {
	req := baseRequest()
	req.Messages = []OuterMessage{
		{Role: "user", Content: []OuterContent{{Type: "text", Text: "first"}}},
		{Role: "assistant", Content: []OuterContent{{Type: "text", Text: "reply"}}},
		{Role: "user", Content: []OuterContent{{Type: "text", Text: "second"}}},
	}
	inner, err := Convert(req)
	require.NoError(t, err)
	assert.Equal(t, "second", inner.PromptText)
	require.Len(t, inner.History, 2)
	assert.Equal(t, "first", inner.History[0].Content[0].Text)
}

func TestConvertRejectsMissingMaxTokens(t *testing.T) {
	req := baseRequest()
	req.MaxTokens = 0
	_, err := Convert(req)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestConvertRejectsEmptyMessages(t *testing.T) {
	req := baseRequest()
	req.Messages = nil
	_, err := Convert(req)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestConvertRejectsUnknownRole(t *testing.T) {
	req := baseRequest()
	req.Messages[0].Role = "system"
	_, err := Convert(req)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestConvertRejectsUnknownModel(t *testing.T) {
	req := baseRequest()
	req.Model = "gpt-4"
	_, err := Convert(req)
	var uerr *UnknownModelError
	assert.ErrorAs(t, err, &uerr)
}

func TestConvertFiltersWebSearchTools(t *testing.T) {
	req := baseRequest()
	req.Tools = []OuterTool{
		{Name: "web_search", InputSchema: map[string]any{}},
		{Name: "websearch", InputSchema: map[string]any{}},
	}
	inner, err := Convert(req)
	require.NoError(t, err)
	assert.Empty(t, inner.Tools)
}

func TestConvertPreservesNonFilteredToolOrder(t *testing.T) {
	req := baseRequest()
	req.Tools = []OuterTool{
		{Name: "bash", InputSchema: map[string]any{"type": "object"}},
		{Name: "web_search", InputSchema: map[string]any{}},
		{Name: "read_file", InputSchema: map[string]any{"type": "object"}},
	}
	inner, err := Convert(req)
	require.NoError(t, err)
	require.Len(t, inner.Tools, 2)
	assert.Equal(t, "bash", inner.Tools[0].Name)
	assert.Equal(t, "read_file", inner.Tools[1].Name)
}

func TestConvertRejectsToolMissingInputSchema(t *testing.T) {
	req := baseRequest()
	req.Tools = []OuterTool{{Name: "bash"}}
	_, err := Convert(req)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestConvertConcatenatesSystemBlocks(t *testing.T) {
	req := baseRequest()
	req.System = []any{
		map[string]any{"type": "text", "text": "be terse"},
		map[string]any{"type": "text", "text": "use tools sparingly"},
	}
	inner, err := Convert(req)
	require.NoError(t, err)
	assert.Equal(t, "be terse\nuse tools sparingly", inner.Preamble)
}

func TestConvertForwardsThinkingVerbatim(t *testing.T) {
	req := baseRequest()
	req.Thinking = &OuterThinking{Type: "enabled", BudgetTokens: 2048}
	inner, err := Convert(req)
	require.NoError(t, err)
	require.NotNil(t, inner.Thinking)
	assert.Equal(t, 2048, inner.Thinking.BudgetTokens)
}
