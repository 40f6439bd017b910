// Package convert validates an Outer (Anthropic-style) request and shapes
// it into the Inner (CodeWhisperer-style) request the dispatcher sends
// upstream (C5, spec.md §4.5).
//
// Grounded on the teacher's internal/relay/relay.go request-parsing path
// and other_examples' kiro-adapter.go.go's ConvertClaudeToCodeWhisperer
// naming/shape. Mechanical field checks use
// github.com/go-playground/validator/v10 struct tags; the cross-field
// rules it can't express (unknown roles, tool schema pairing) are hand
// code, the same split Laisky-one-api's relay controller uses between
// tag-driven and manual validation.
package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// OuterMessage is one role-tagged turn of the Outer request.
type OuterMessage struct {
	Role    string        `json:"role" validate:"required"`
	Content []OuterContent `json:"content" validate:"required,min=1,dive"`
}

// UnmarshalJSON accepts content either as the canonical block array or as a
// bare string (spec §8 Scenario 1: `{"role":"user","content":"ping"}`),
// promoting the latter to a single `{type:"text"}` block.
func (m *OuterMessage) UnmarshalJSON(data []byte) error {
	var shape struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}
	m.Role = shape.Role

	if len(shape.Content) == 0 {
		m.Content = nil
		return nil
	}

	var text string
	if err := json.Unmarshal(shape.Content, &text); err == nil {
		m.Content = []OuterContent{{Type: "text", Text: text}}
		return nil
	}

	var blocks []OuterContent
	if err := json.Unmarshal(shape.Content, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of content blocks: %w", err)
	}
	m.Content = blocks
	return nil
}

// OuterContent is one content block within a message. Exactly one of
// Text/ToolUse/ToolResult fields is populated, discriminated by Type.
type OuterContent struct {
	Type       string          `json:"type" validate:"required"`
	Text       string          `json:"text,omitempty"`
	ToolUseID  string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Input      map[string]any  `json:"input,omitempty"`
	ToolResult string          `json:"content,omitempty"`
}

// OuterTool is one entry of the Outer request's `tools` array.
type OuterTool struct {
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema" validate:"required"`
}

// OuterThinking is the Outer request's optional thinking configuration,
// forwarded verbatim (§4.5 "Thinking").
type OuterThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// OuterSystemBlock is one element of a system-as-sequence value.
type OuterSystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// OuterRequest is the recognized shape of an Outer /v1/messages request
// (spec.md §3 "Outer request").
type OuterRequest struct {
	Model         string             `json:"model" validate:"required"`
	MaxTokens     int                `json:"max_tokens" validate:"required,gt=0"`
	Messages      []OuterMessage     `json:"messages" validate:"required,min=1,dive"`
	System        any                `json:"system,omitempty"` // string or []OuterSystemBlock
	Tools         []OuterTool        `json:"tools,omitempty"`
	ToolChoice    any                `json:"tool_choice,omitempty"`
	Thinking      *OuterThinking     `json:"thinking,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

var validRoles = map[string]bool{"user": true, "assistant": true}

// filteredToolNames are dropped from the Inner request's tool list
// (§4.5 "Tool filtering").
var filteredToolNames = map[string]bool{"web_search": true, "websearch": true}

// ValidationError reports a request that failed §4.5's validation rules.
// It is surfaced as apierrors.KindInvalidRequest without consuming a
// credential (§7 "Propagation").
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid outer request: " + e.Reason }

// UnknownModelError reports a model name matching none of the known
// substrings (§4.5 "Model mapping").
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string { return fmt.Sprintf("unknown model: %q", e.Model) }

// InnerToolSpec is one tool carried into the Inner request.
type InnerToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// InnerContentPart is one part of a history turn's content.
type InnerContentPart struct {
	Type       string // text, tool_use, tool_result
	Text       string
	ToolUseID  string
	Name       string
	Input      map[string]any
	ToolResult string
}

// InnerHistoryTurn is one prior turn carried as context (§4.5
// "Conversation shaping").
type InnerHistoryTurn struct {
	Role    string
	Content []InnerContentPart
}

// InnerRequest is the shaped request ready for C7's dispatch (spec.md §3
// "Inner request").
type InnerRequest struct {
	Model        string
	PromptText   string
	History      []InnerHistoryTurn
	Preamble     string
	Tools        []InnerToolSpec
	Thinking     *OuterThinking
	MaxTokens    int
	Stream       bool
}

// Validate enforces §4.5's "Input validation" rules beyond what struct
// tags express.
func Validate(req *OuterRequest) error {
	if err := validate.Struct(req); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	for _, m := range req.Messages {
		if !validRoles[m.Role] {
			return &ValidationError{Reason: fmt.Sprintf("unknown role %q", m.Role)}
		}
	}
	for _, tool := range req.Tools {
		if tool.Name == "" || tool.InputSchema == nil {
			return &ValidationError{Reason: "tool missing name or input_schema"}
		}
	}
	return nil
}

// MapModel resolves an Outer model name to the Inner upstream model name
// (§4.5 "Model mapping").
func MapModel(model string) (string, error) {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "sonnet"):
		return "claude-sonnet-4.5", nil
	case strings.Contains(lower, "opus"):
		return "claude-opus-4.5", nil
	case strings.Contains(lower, "haiku"):
		return "claude-haiku-4.5", nil
	default:
		return "", &UnknownModelError{Model: model}
	}
}

// Convert validates req and shapes it into an InnerRequest.
func Convert(req *OuterRequest) (*InnerRequest, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	innerModel, err := MapModel(req.Model)
	if err != nil {
		return nil, err
	}

	preamble := systemPreamble(req.System)

	lastUserIdx := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}
	if lastUserIdx == -1 {
		return nil, &ValidationError{Reason: "no user message present"}
	}

	history := make([]InnerHistoryTurn, 0, lastUserIdx)
	for i, m := range req.Messages {
		if i == lastUserIdx {
			continue
		}
		history = append(history, InnerHistoryTurn{Role: m.Role, Content: shapeContent(m.Content)})
	}

	promptText := plainText(req.Messages[lastUserIdx].Content)

	tools := make([]InnerToolSpec, 0, len(req.Tools))
	for _, t := range req.Tools {
		if filteredToolNames[strings.ToLower(t.Name)] {
			continue
		}
		tools = append(tools, InnerToolSpec{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	return &InnerRequest{
		Model:      innerModel,
		PromptText: promptText,
		History:    history,
		Preamble:   preamble,
		Tools:      tools,
		Thinking:   req.Thinking,
		MaxTokens:  req.MaxTokens,
		Stream:     req.Stream,
	}, nil
}

func systemPreamble(system any) string {
	switch v := system.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, raw := range v {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func shapeContent(blocks []OuterContent) []InnerContentPart {
	parts := make([]InnerContentPart, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, InnerContentPart{
			Type:       b.Type,
			Text:       b.Text,
			ToolUseID:  b.ToolUseID,
			Name:       b.Name,
			Input:      b.Input,
			ToolResult: b.ToolResult,
		})
	}
	return parts
}

func plainText(blocks []OuterContent) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
