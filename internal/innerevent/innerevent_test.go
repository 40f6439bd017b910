package innerevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiro-bridge/kiro-bridge/internal/eventstream"
)

func frameWith(eventType, messageType string, payload []byte) *eventstream.Frame {
	headers := map[string]eventstream.HeaderValue{}
	if eventType != "" {
		headers[":event-type"] = eventstream.HeaderValue{Type: eventstream.TypeString, Bytes: []byte(eventType)}
	}
	if messageType != "" {
		headers[":message-type"] = eventstream.HeaderValue{Type: eventstream.TypeString, Bytes: []byte(messageType)}
	}
	return &eventstream.Frame{Headers: headers, Payload: payload}
}

func TestClassifyAssistantText(t *testing.T) {
	ev, err := Classify(frameWith("assistantResponseEvent", "event", []byte(`{"content":"hi"}`)))
	require.NoError(t, err)
	assert.Equal(t, KindAssistantTextDelta, ev.Kind)
}

func TestClassifyToolUseStartVsDelta(t *testing.T) {
	start, err := Classify(frameWith("toolUseEvent", "event", []byte(`{"toolUseId":"t1","name":"bash"}`)))
	require.NoError(t, err)
	assert.Equal(t, KindToolUseStart, start.Kind)

	delta, err := Classify(frameWith("toolUseEvent", "event", []byte(`{"toolUseId":"t1","input":"{\"x\":"}`)))
	require.NoError(t, err)
	assert.Equal(t, KindToolUseArgDelta, delta.Kind)
}

func TestClassifyErrorMessageType(t *testing.T) {
	ev, err := Classify(frameWith("", "exception", []byte(`upstream exploded`)))
	require.NoError(t, err)
	assert.Equal(t, KindError, ev.Kind)
	assert.Equal(t, "upstream exploded", ev.Message)
}

func TestClassifyUnknownEventTypePassesThrough(t *testing.T) {
	ev, err := Classify(frameWith("somethingElse", "event", []byte(`{"foo":"bar"}`)))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, ev.Kind)
}

func TestClassifyMissingEventType(t *testing.T) {
	_, err := Classify(frameWith("", "event", nil))
	assert.Error(t, err)
}
