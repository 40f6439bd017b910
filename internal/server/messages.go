package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiro-bridge/kiro-bridge/internal/apierrors"
	"github.com/kiro-bridge/kiro-bridge/internal/convert"
	"github.com/kiro-bridge/kiro-bridge/internal/dispatch"
	"github.com/kiro-bridge/kiro-bridge/internal/transduce"
)

// outerModels is the fixed set of model names the Outer API advertises
// (§6 "GET /v1/models"); model-name mapping's maintenance is out of scope
// (spec.md §1 Non-goals), so this list holds one entry per substring
// convert.MapModel recognizes, named after the inner model it maps to.
var outerModels = []string{"claude-sonnet-4.5", "claude-opus-4.5", "claude-haiku-4.5"}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	data := make([]modelEntry, 0, len(outerModels))
	for _, m := range outerModels {
		data = append(data, modelEntry{ID: m, Type: "model"})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var outer convert.OuterRequest
	if err := json.NewDecoder(r.Body).Decode(&outer); err != nil {
		apierrors.New(apierrors.KindInvalidRequest, "invalid JSON body").WriteHTTP(w)
		return
	}

	inner, err := convert.Convert(&outer)
	if err != nil {
		apierrors.New(apierrors.KindInvalidRequest, err.Error()).WriteHTTP(w)
		return
	}

	messageID := "msg_" + uuid.NewString()

	if !inner.Stream {
		result, err := s.dispatcher.Dispatch(r.Context(), inner, messageID, noopSink{})
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result.Aggregated)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierrors.New(apierrors.KindAPIError, "streaming not supported by this transport").WriteHTTP(w)
		return
	}

	sink := newSSESink(w, flusher)
	ctx, stopPing := context.WithCancel(r.Context())
	defer stopPing()
	go sink.runPingLoop(ctx)

	_, err = s.dispatcher.Dispatch(ctx, inner, messageID, sink)
	if err != nil && !errors.Is(err, dispatch.ErrAborted) {
		// No bytes reached the client yet (ErrAborted always has); safe to
		// still send a normal JSON error response.
		if !sink.wroteAny() {
			apierrors.New(apierrors.KindAPIError, err.Error()).WriteHTTP(w)
		}
	}
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		apierrors.New(apierrors.KindInvalidRequest, "invalid request body").WriteHTTP(w)
		return
	}

	var outer convert.OuterRequest
	if err := json.Unmarshal(raw, &outer); err != nil {
		apierrors.New(apierrors.KindInvalidRequest, "invalid JSON body").WriteHTTP(w)
		return
	}

	if s.cfg.CountTokensAPIURL != "" {
		s.forwardCountTokens(w, r, raw)
		return
	}

	var sb strings.Builder
	writeBlockText(&sb, outer.System)
	for _, m := range outer.Messages {
		for _, c := range m.Content {
			if c.Type == "text" {
				sb.WriteString(c.Text)
				sb.WriteByte('\n')
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"input_tokens": transduce.EstimateTokens(sb.String())})
}

// forwardCountTokens forwards the count_tokens request verbatim to the
// configured external estimator (§4.6 "Token counting path": "if a
// configured external count-tokens endpoint is present, forward verbatim"),
// matching the auth scheme the config names.
func (s *Server) forwardCountTokens(w http.ResponseWriter, r *http.Request, raw []byte) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.CountTokensAPIURL, bytes.NewReader(raw))
	if err != nil {
		apierrors.New(apierrors.KindAPIError, "building count-tokens request").WriteHTTP(w)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.CountTokensAPIKey != "" {
		switch s.cfg.CountTokensAuthType {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+s.cfg.CountTokensAPIKey)
		default:
			req.Header.Set("x-api-key", s.cfg.CountTokensAPIKey)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		apierrors.New(apierrors.KindAPIError, "count-tokens endpoint unreachable").WriteHTTP(w)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func writeBlockText(sb *strings.Builder, system any) {
	switch v := system.(type) {
	case string:
		sb.WriteString(v)
		sb.WriteByte('\n')
	case []any:
		for _, raw := range v {
			if m, ok := raw.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					sb.WriteString(text)
					sb.WriteByte('\n')
				}
			}
		}
	}
}

func writeDispatchError(w http.ResponseWriter, err error) {
	var apiErr *apierrors.Error
	if errors.As(err, &apiErr) {
		apiErr.WriteHTTP(w)
		return
	}
	apierrors.New(apierrors.KindAPIError, err.Error()).WriteHTTP(w)
}

// noopSink discards frames; used on the non-streaming path, where
// Dispatcher never actually calls WriteFrame except on a mid-stream abort
// that can't occur without Stream having been true.
type noopSink struct{}

func (noopSink) WriteFrame(string) error { return nil }

// sseSink streams frames to an http.ResponseWriter, serializing writes
// against the concurrent ping-keepalive goroutine (§4.6 rule 8; §5 "the
// transducer holds a single writer to the client").
type sseSink struct {
	mu            sync.Mutex
	w             http.ResponseWriter
	flusher       http.Flusher
	headerWritten bool
	lastWrite     time.Time
	any           bool
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: flusher, lastWrite: time.Now()}
}

func (s *sseSink) WriteFrame(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.headerWritten {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.headerWritten = true
	}
	if _, err := s.w.Write([]byte(frame)); err != nil {
		return err
	}
	s.flusher.Flush()
	s.lastWrite = time.Now()
	s.any = true
	return nil
}

func (s *sseSink) wroteAny() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.any
}

// runPingLoop emits a ping frame roughly every 15s when nothing else has
// been written, until ctx is cancelled (Dispatch returning, or the client
// disconnecting).
func (s *sseSink) runPingLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			// Never ping before message_start has gone out (§4.6 rule 1:
			// message_start must be the first frame from this request).
			idle := s.any && time.Since(s.lastWrite) >= 15*time.Second
			s.mu.Unlock()
			if idle {
				s.WriteFrame(transduce.Ping())
			}
		}
	}
}
