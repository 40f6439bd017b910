// Package innerevent classifies decoded eventstream frames into the
// typed events spec.md §3/§4.1 name, reading the `:event-type` and
// `:message-type` headers the decoder leaves payload-agnostic. The
// `:content-type` header is not consulted.
//
// Grounded on other_examples' digitallysavvy-go-ai stream.go (the same
// header-driven classification split between decode and interpret), and
// the teacher's internal/relay event-name constants for CodeWhisperer
// dialect naming.
package innerevent

import (
	"encoding/json"
	"fmt"

	"github.com/kiro-bridge/kiro-bridge/internal/eventstream"
)

// Kind enumerates the event kinds spec.md §3 "Inner event" names.
type Kind string

const (
	KindAssistantTextDelta Kind = "assistant_text_delta"
	KindToolUseStart       Kind = "tool_use_start"
	KindToolUseArgDelta    Kind = "tool_use_arg_delta"
	KindThinkingDelta      Kind = "thinking_delta"
	KindMessageStart       Kind = "message_start"
	KindMessageStop        Kind = "message_stop"
	KindUsageReport        Kind = "usage_report"
	KindError              Kind = "error"

	// KindUnknown is any upstream event-type string not in the table
	// above. The decoder is payload-agnostic (§4.1); an event-type this
	// build doesn't recognize is carried through rather than treated as a
	// decode failure, so an upstream addition can't sever the connection.
	KindUnknown Kind = "unknown"
)

// Event is one classified inner event: a Kind plus its raw JSON payload
// (error events carry the UTF-8 payload as Message instead).
type Event struct {
	Kind    Kind
	Raw     json.RawMessage
	Message string // populated only for KindError
}

// header names the decoder's frame carries (§4.1 "Event interpretation").
const (
	headerEventType   = ":event-type"
	headerMessageType = ":message-type"
	headerContentType = ":content-type"
)

// Classify turns a decoded frame into a typed Event.
func Classify(frame *eventstream.Frame) (*Event, error) {
	messageType := frame.Headers[headerMessageType].String()
	if messageType == "exception" || messageType == "error" {
		return &Event{Kind: KindError, Message: string(frame.Payload)}, nil
	}

	eventType := frame.Headers[headerEventType].String()
	kind, err := kindForEventType(eventType, frame.Payload)
	if err != nil {
		return nil, err
	}
	return &Event{Kind: kind, Raw: frame.Payload}, nil
}

// kindForEventType maps the upstream's own event-type tag (CodeWhisperer
// dialect) to our Kind. Event-type names are the upstream's, so the
// mapping also consults payload shape where the upstream overloads one
// event-type across message/stop/delta variants.
func kindForEventType(eventType string, payload json.RawMessage) (Kind, error) {
	switch eventType {
	case "assistantResponseEvent":
		return KindAssistantTextDelta, nil
	case "toolUseEvent":
		return classifyToolUseEvent(payload)
	case "thinkingEvent":
		return KindThinkingDelta, nil
	case "messageStartEvent":
		return KindMessageStart, nil
	case "messageStopEvent":
		return KindMessageStop, nil
	case "usageEvent":
		return KindUsageReport, nil
	case "":
		return "", fmt.Errorf("innerevent: missing %s header", headerEventType)
	default:
		return KindUnknown, nil
	}
}

type toolUseShape struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Stop      bool   `json:"stop"`
}

func classifyToolUseEvent(payload json.RawMessage) (Kind, error) {
	var shape toolUseShape
	if err := json.Unmarshal(payload, &shape); err != nil {
		return "", fmt.Errorf("innerevent: parse toolUseEvent payload: %w", err)
	}
	if shape.Name != "" && !shape.Stop {
		return KindToolUseStart, nil
	}
	return KindToolUseArgDelta, nil
}
