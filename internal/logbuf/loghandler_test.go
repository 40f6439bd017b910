package logbuf

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerRetainsRecentLines(t *testing.T) {
	h := New(slog.LevelInfo, 2)
	logger := slog.New(h)

	logger.Info("first")
	logger.Info("second")
	logger.Info("third")

	recent := h.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Message)
	assert.Equal(t, "third", recent[1].Message)
}

func TestHandlerRespectsLevel(t *testing.T) {
	h := New(slog.LevelWarn, 10)
	logger := slog.New(h)

	logger.Info("should be dropped")
	logger.Warn("should be kept")

	recent := h.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "should be kept", recent[0].Message)
}

func TestSubscribeReceivesLiveLines(t *testing.T) {
	h := New(slog.LevelInfo, 10)
	logger := slog.New(h)
	logger.Info("backlog")

	id, ch, recent := h.Subscribe()
	defer h.Unsubscribe(id)
	require.Len(t, recent, 1)

	logger.Info("live")
	select {
	case line := <-ch:
		assert.Equal(t, "live", line.Message)
	default:
		t.Fatal("expected a line on the subscriber channel")
	}
}
