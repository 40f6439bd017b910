package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiro-bridge/kiro-bridge/internal/config"
)

func TestHandleModelsListsThreeModels(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.handleModels(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data, 3)
}

func TestHandleCountTokensHeuristicFallback(t *testing.T) {
	s := &Server{cfg: &config.Config{}}
	reqBody := `{"model":"claude-sonnet-4.5","max_tokens":10,"messages":[{"role":"user","content":[{"type":"text","text":"hello there"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()
	s.handleCountTokens(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		InputTokens int `json:"input_tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Greater(t, body.InputTokens, 0)
}

func TestHandleCountTokensCountsStringContent(t *testing.T) {
	s := &Server{cfg: &config.Config{}}
	reqBody := `{"model":"claude-sonnet-4.5","max_tokens":10,"messages":[{"role":"user","content":"ping"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()
	s.handleCountTokens(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		InputTokens int `json:"input_tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Greater(t, body.InputTokens, 0)
}

func TestHandleCountTokensForwardsVerbatimWhenConfigured(t *testing.T) {
	var receivedBody []byte
	var receivedHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeader = r.Header.Get("x-api-key")
		receivedBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"input_tokens":42}`))
	}))
	defer upstream.Close()

	s := &Server{cfg: &config.Config{CountTokensAPIURL: upstream.URL, CountTokensAPIKey: "ctk-secret"}}
	reqBody := `{"model":"claude-sonnet-4.5","max_tokens":10,"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()
	s.handleCountTokens(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"input_tokens":42}`, rec.Body.String())
	assert.JSONEq(t, reqBody, string(receivedBody))
	assert.Equal(t, "ctk-secret", receivedHeader)
}

func TestSSESinkNeverPingsBeforeFirstFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := newSSESink(rec, rec)

	assert.False(t, sink.wroteAny())

	require.NoError(t, sink.WriteFrame("event: message_start\ndata: {}\n\n"))
	assert.True(t, sink.wroteAny())
	assert.Contains(t, rec.Body.String(), "message_start")
}
