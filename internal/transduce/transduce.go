// Package transduce turns the typed inner-event sequence from
// internal/innerevent into Outer SSE events (C6, spec.md §4.6), and
// assembles the equivalent single JSON object for the non-streaming
// path.
//
// Grounded on other_examples' digitallysavvy-go-ai stream.go
// (TransformToSSE's event-loop shape, one SSE frame per inner event)
// generalized from its single Bedrock passthrough shape to the richer
// block-index-tracked state machine spec.md §4.6 describes.
package transduce

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiro-bridge/kiro-bridge/internal/innerevent"
)

// blockKind distinguishes the three content-block shapes the transducer
// tracks between content_block_start and content_block_stop.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// Usage is the Outer API's token-usage envelope.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Block is one finalized content block, used by the non-streaming path's
// assembled response.
type Block struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// Transducer holds the per-request state machine (§5 "the transducer
// holds a single writer to the client"; one Transducer per request).
type Transducer struct {
	messageID string
	model     string

	blockIndex   int
	currentKind  blockKind
	currentOpen  bool
	toolUseID    string
	toolUseName  string
	toolArgsBuf  strings.Builder

	blocks     []Block
	lastStop   bool
	usage      Usage
	finalStop  string
}

// New creates a Transducer for one request.
func New(messageID, model string) *Transducer {
	return &Transducer{messageID: messageID, model: model, finalStop: "end_turn"}
}

// sseEvent renders one "event: name\ndata: json\n\n" frame.
func sseEvent(name string, payload any) string {
	data, _ := json.Marshal(payload)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}

// MessageStart renders the single message_start event (§4.6 rule 1).
// Callers must emit this exactly once before any other frame from this
// Transducer.
func (t *Transducer) MessageStart() string {
	return sseEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":      t.messageID,
			"type":    "message",
			"role":    "assistant",
			"model":   t.model,
			"content": []any{},
			"usage":   Usage{},
		},
	})
}

// Feed consumes one inner event and returns zero or more SSE frames.
func (t *Transducer) Feed(ev *innerevent.Event) ([]string, error) {
	switch ev.Kind {
	case innerevent.KindAssistantTextDelta:
		return t.feedText(ev.Raw)
	case innerevent.KindThinkingDelta:
		return t.feedThinking(ev.Raw)
	case innerevent.KindToolUseStart:
		return t.feedToolUseStart(ev.Raw)
	case innerevent.KindToolUseArgDelta:
		return t.feedToolUseArgDelta(ev.Raw)
	case innerevent.KindUsageReport:
		return nil, t.feedUsage(ev.Raw)
	case innerevent.KindMessageStop:
		return t.Finalize(), nil
	case innerevent.KindError:
		return nil, fmt.Errorf("transduce: upstream error event: %s", ev.Message)
	default:
		return nil, nil
	}
}

type textPayload struct {
	Content string `json:"content"`
}

func (t *Transducer) feedText(raw json.RawMessage) ([]string, error) {
	var p textPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("transduce: parse text delta: %w", err)
	}

	var frames []string
	if t.currentKind != blockText {
		frames = append(frames, t.closeCurrentBlock()...)
		frames = append(frames, t.openBlock(blockText, map[string]any{"type": "text", "text": ""}))
	}
	frames = append(frames, sseEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": t.blockIndex,
		"delta": map[string]any{"type": "text_delta", "text": p.Content},
	}))
	t.appendTextToBlock(p.Content)
	return frames, nil
}

type thinkingPayload struct {
	Content string `json:"content"`
}

func (t *Transducer) feedThinking(raw json.RawMessage) ([]string, error) {
	var p thinkingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("transduce: parse thinking delta: %w", err)
	}

	var frames []string
	if t.currentKind != blockThinking {
		frames = append(frames, t.closeCurrentBlock()...)
		frames = append(frames, t.openBlock(blockThinking, map[string]any{"type": "thinking", "thinking": ""}))
	}
	frames = append(frames, sseEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": t.blockIndex,
		"delta": map[string]any{"type": "thinking_delta", "thinking": p.Content},
	}))
	return frames, nil
}

type toolStartPayload struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
}

func (t *Transducer) feedToolUseStart(raw json.RawMessage) ([]string, error) {
	var p toolStartPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("transduce: parse tool-use start: %w", err)
	}

	frames := t.closeCurrentBlock()
	t.toolUseID = p.ToolUseID
	t.toolUseName = p.Name
	t.toolArgsBuf.Reset()
	frames = append(frames, t.openBlock(blockToolUse, map[string]any{
		"type":  "tool_use",
		"id":    p.ToolUseID,
		"name":  p.Name,
		"input": map[string]any{},
	}))
	return frames, nil
}

type toolDeltaPayload struct {
	Input string `json:"input"`
}

func (t *Transducer) feedToolUseArgDelta(raw json.RawMessage) ([]string, error) {
	var p toolDeltaPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("transduce: parse tool-use delta: %w", err)
	}
	t.toolArgsBuf.WriteString(p.Input)
	return []string{sseEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": t.blockIndex,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": p.Input},
	})}, nil
}

type usagePayload struct {
	InputTokens  int  `json:"inputTokens"`
	OutputTokens int  `json:"outputTokens"`
	Truncated    bool `json:"truncated,omitempty"`
}

func (t *Transducer) feedUsage(raw json.RawMessage) error {
	var p usagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("transduce: parse usage report: %w", err)
	}
	t.usage = Usage{InputTokens: p.InputTokens, OutputTokens: p.OutputTokens}
	if p.Truncated {
		t.finalStop = "max_tokens"
	}
	return nil
}

// openBlock emits content_block_start at the current blockIndex and
// records the block for finalization (non-streaming path, and in case
// arguments complete without an explicit stop event).
func (t *Transducer) openBlock(kind blockKind, start map[string]any) string {
	t.currentKind = kind
	t.currentOpen = true

	b := Block{Type: start["type"].(string)}
	switch kind {
	case blockToolUse:
		b.ID = t.toolUseID
		b.Name = t.toolUseName
		b.Input = map[string]any{}
	}
	t.blocks = append(t.blocks, b)

	return sseEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         t.blockIndex,
		"content_block": start,
	})
}

func (t *Transducer) appendTextToBlock(text string) {
	if len(t.blocks) == 0 {
		return
	}
	t.blocks[len(t.blocks)-1].Text += text
}

// closeCurrentBlock emits content_block_stop for the open block (if any)
// and advances blockIndex (§4.6 rule 6).
func (t *Transducer) closeCurrentBlock() []string {
	if !t.currentOpen {
		return nil
	}
	if t.currentKind != blockToolUse && t.finalStop == "tool_use" {
		// A later non-tool block means the final block is no longer tool use.
		t.finalStop = "end_turn"
	}
	if t.currentKind == blockToolUse {
		if t.finalStop != "max_tokens" {
			t.finalStop = "tool_use"
		}
		if len(t.blocks) > 0 {
			var input map[string]any
			if err := json.Unmarshal([]byte(t.toolArgsBuf.String()), &input); err == nil {
				t.blocks[len(t.blocks)-1].Input = input
			}
		}
	}
	frame := sseEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": t.blockIndex,
	})
	t.currentOpen = false
	t.currentKind = blockNone
	t.blockIndex++
	return []string{frame}
}

// Finalize closes any open block and emits message_delta + message_stop
// (§4.6 rule 7). Safe to call once; subsequent calls return nil.
func (t *Transducer) Finalize() []string {
	if t.lastStop {
		return nil
	}
	t.lastStop = true

	frames := t.closeCurrentBlock()
	frames = append(frames, sseEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": t.finalStop},
		"usage": t.usage,
	}))
	frames = append(frames, sseEvent("message_stop", map[string]any{"type": "message_stop"}))
	return frames
}

// Ping renders the idle keepalive frame (§4.6 rule 8).
func Ping() string {
	return "event: ping\ndata: {\"type\": \"ping\"}\n\n"
}

// Aggregate assembles the non-streaming response object (§4.6
// "Non-streaming path") from a fully-drained Transducer.
func (t *Transducer) Aggregate() map[string]any {
	return map[string]any{
		"id":          t.messageID,
		"type":        "message",
		"role":        "assistant",
		"model":       t.model,
		"content":     t.blocks,
		"stop_reason": t.finalStop,
		"usage":       t.usage,
	}
}
