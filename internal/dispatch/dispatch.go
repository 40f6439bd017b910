// Package dispatch implements the retry/failover loop over C2-C6 plus the
// upstream HTTP client (C7, spec.md §4.7).
//
// Grounded on the teacher's internal/relay/relay.go Handle (retry loop
// shape, exclude-list accumulation, streamResponse/jsonResponse split,
// handleUpstreamError), generalized from Anthropic-account scheduling to
// spec.md §4.7's credential-budget/global-budget/backoff state machine,
// and other_examples' kiro-adapter.go.go (upstream URL template, header
// set, 401-retry-with-fresh-token shape).
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/kiro-bridge/kiro-bridge/internal/apierrors"
	"github.com/kiro-bridge/kiro-bridge/internal/convert"
	"github.com/kiro-bridge/kiro-bridge/internal/credential"
	"github.com/kiro-bridge/kiro-bridge/internal/eventstream"
	"github.com/kiro-bridge/kiro-bridge/internal/innerevent"
	"github.com/kiro-bridge/kiro-bridge/internal/machineid"
	"github.com/kiro-bridge/kiro-bridge/internal/token"
	"github.com/kiro-bridge/kiro-bridge/internal/transduce"
)

// upstreamURLTemplate is the Inner API's regional endpoint (grounded on
// other_examples' kiro-adapter.go.go CodeWhispererURLTemplate). Var rather
// than const so tests can redirect it at a local server.
var upstreamURLTemplate = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"

// Budgets and backoff parameters (spec.md §4.7).
const (
	perCredentialBudget = 3
	globalBudget        = 9

	backoffFactor = 2.0
	backoffCap    = 8 * time.Second
	backoffJitter = 0.2
)

// backoffBase is a var (not const) so tests can shrink real wall-clock
// sleeps; production always runs with the 500ms default.
var backoffBase = 500 * time.Millisecond

// ErrAborted is returned by Dispatch when a mid-stream failure occurred
// after bytes were already written to the client (§4.7 "Partial-response
// policy"). The caller must not write anything further; the trailing
// error SSE frame has already been pushed through the sink.
var ErrAborted = errors.New("dispatch: aborted mid-stream")

// FrameSink receives SSE frames as they are produced, for the streaming
// path. Implementations are expected to flush promptly.
type FrameSink interface {
	WriteFrame(frame string) error
}

// TokenProvider resolves and refreshes access tokens (implemented by
// internal/token.Manager).
type TokenProvider interface {
	EnsureValid(ctx context.Context, id int) (string, error)
	ForceRefresh(ctx context.Context, id int) (string, error)
}

// TransportProvider supplies per-credential HTTP clients (implemented by
// internal/transport.Manager).
type TransportProvider interface {
	GetClient(cred *credential.Credential) *http.Client
}

// Recorder observes each completed attempt for the admin surface's attempt
// history (internal/auditlog). Nil is a valid, no-op Dispatcher state.
type Recorder interface {
	Record(credentialID, attempt int, outcome string, httpStatus int, latencyMs int64)
}

// Dispatcher runs the select→issue→classify→{retry|failover|abort} loop.
type Dispatcher struct {
	store            *credential.Store
	tokens           TokenProvider
	transport        TransportProvider
	disableThreshold int
	now              func() time.Time
	recorder         Recorder
	globalMachineID  string
}

// SetGlobalMachineID sets the config-level machine-id fallback (C4,
// spec.md §4.4 "else if set globally, use that"). Optional; the zero
// value means no global override is configured.
func (d *Dispatcher) SetGlobalMachineID(id string) {
	d.globalMachineID = id
}

// SetRecorder attaches an attempt-history recorder (internal/auditlog). It
// is optional; a Dispatcher with no recorder behaves identically.
func (d *Dispatcher) SetRecorder(r Recorder) {
	d.recorder = r
}

// New builds a Dispatcher. disableThreshold matches the credential pool's
// auto-disable threshold (config.DisableThreshold), so Next() and
// RecordFailure() agree on when a credential is unusable.
func New(store *credential.Store, tokens TokenProvider, transport TransportProvider, disableThreshold int) *Dispatcher {
	return &Dispatcher{
		store:            store,
		tokens:           tokens,
		transport:        transport,
		disableThreshold: disableThreshold,
		now:              time.Now,
	}
}

// Result is the outcome of a successful, fully-drained dispatch.
type Result struct {
	// Streamed reports whether frames were pushed incrementally through
	// the sink (true) or Aggregated holds the complete response (false).
	Streamed   bool
	Aggregated map[string]any
}

// Dispatch runs one Outer request to completion: selecting a credential,
// issuing the Inner API call, translating the response, and retrying or
// failing over as spec.md §4.7 directs. messageID seeds the transduced
// response's message id.
func (d *Dispatcher) Dispatch(ctx context.Context, inner *convert.InnerRequest, messageID string, sink FrameSink) (*Result, error) {
	exclude := make(map[int]bool)
	auth := &authRetryState{}
	var bytesWritten bool
	var lastErr error

	tr := transduce.New(messageID, inner.Model)

	for globalAttempt := 0; globalAttempt < globalBudget; {
		cred, err := d.store.Next(exclude, d.disableThreshold)
		if err != nil {
			return nil, apierrors.New(apierrors.KindNoHealthyCredential, "no healthy credential available")
		}

		auth.sawAuthFailureOnce = false
		credAttempts := 0

		for credAttempts < perCredentialBudget && globalAttempt < globalBudget {
			credAttempts++
			globalAttempt++

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			attemptStart := d.now()
			status, decodeErr, emptyBody, finalFrames, err := d.attempt(ctx, cred, inner, tr, sink, &bytesWritten)
			latencyMs := d.now().Sub(attemptStart).Milliseconds()
			if err != nil && status == 0 {
				// Network-level failure (connect/TLS/write) or a failed
				// token refresh: treat like a failover-worthy condition
				// without consulting Classify.
				lastErr = err
				outcomeName := "network_error"
				if token.IsPermanentAuthFailure(err) {
					// §4.3 PermanentAuthFailure: the refresh token itself is
					// bad, so no further attempt against this credential can
					// ever succeed — disable it now rather than waiting for
					// the failure count to climb.
					outcomeName = "permanent_auth_failure"
					d.store.SetDisabled(cred.ID, true)
				}
				if d.recorder != nil {
					d.recorder.Record(cred.ID, credAttempts, outcomeName, 0, latencyMs)
				}
				break
			}
			lastErr = err

			outcome := Classify(status, decodeErr, emptyBody, bytesWritten, auth)
			if d.recorder != nil {
				d.recorder.Record(cred.ID, credAttempts, outcome.Action.String(), status, latencyMs)
			}
			switch outcome.Action {
			case ActionSuccess:
				d.store.RecordSuccess(cred.ID, d.now)
				if inner.Stream {
					return &Result{Streamed: true}, nil
				}
				return &Result{Aggregated: aggregateFrom(tr, finalFrames)}, nil

			case ActionRetrySame:
				if outcome.ForceRefresh {
					if _, rerr := d.tokens.ForceRefresh(ctx, cred.ID); rerr != nil {
						lastErr = rerr
						goto nextCredential
					}
				} else {
					d.sleepBackoff(ctx, credAttempts)
				}
				continue

			case ActionFailover:
				goto nextCredential

			case ActionAbort:
				recordFailureN(d.store, cred.ID, d.disableThreshold, credAttempts)
				sink.WriteFrame(apierrors.New(apierrors.ClassifyUpstreamStatus(status), "upstream failure mid-stream").SSE())
				return nil, ErrAborted
			}
		}
	nextCredential:
		// Every path that reaches here — a network error, an explicit
		// failover outcome, or the per-credential budget running out on
		// repeated retry-same — means this credential is done for this
		// request (§4.7 "Per-credential budget: 3 attempts"). recordFailure
		// fires once per attempt actually consumed against this credential,
		// matching §8 Scenario 4 (A.failureCount += 3 for three exhausted
		// attempts) rather than once per credential-exhaustion event.
		recordFailureN(d.store, cred.ID, d.disableThreshold, credAttempts)
		exclude[cred.ID] = true
	}

	if bytesWritten {
		sink.WriteFrame(apierrors.New(apierrors.KindAPIError, "retry budget exhausted mid-stream").SSE())
		return nil, ErrAborted
	}
	kind := apierrors.KindAPIError
	if lastErr == nil {
		kind = apierrors.KindNoHealthyCredential
	}
	return nil, apierrors.New(kind, fmt.Sprintf("retry budget exhausted: %v", lastErr))
}

// attempt issues one Inner API call for cred and, on a 200 response, drains
// and translates the whole body (streaming or not). It returns the HTTP
// status (0 for a network-level failure), whether a decode error occurred,
// whether the body contained zero frames, and — for the non-streaming
// path — the SSE frames accumulated for Aggregate().
func (d *Dispatcher) attempt(
	ctx context.Context,
	cred *credential.Credential,
	inner *convert.InnerRequest,
	tr *transduce.Transducer,
	sink FrameSink,
	bytesWritten *bool,
) (status int, decodeErr bool, emptyBody bool, frames []string, err error) {
	accessToken, err := d.tokens.EnsureValid(ctx, cred.ID)
	if err != nil {
		return 0, false, false, nil, fmt.Errorf("ensure valid token: %w", err)
	}

	req, err := d.buildRequest(ctx, cred, inner, accessToken)
	if err != nil {
		return 0, false, false, nil, err
	}

	client := d.transport.GetClient(cred)
	resp, err := client.Do(req)
	if err != nil {
		return 0, false, false, nil, fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Warn("upstream non-200", "credentialId", cred.ID, "status", resp.StatusCode, "body", string(body))
		return resp.StatusCode, false, false, nil, nil
	}

	sawFrame := false
	decoder := eventstream.New()
	buf := make([]byte, 32*1024)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			for {
				frame, derr := decoder.Next()
				if derr == eventstream.ErrNeedMore {
					break
				}
				if derr != nil {
					return resp.StatusCode, true, false, frames, nil
				}

				// message_start is deferred until the first real frame
				// decodes, so an empty or all-failover-before-content
				// body never emits it twice across a credential switch
				// (§4.7 "Partial-response policy").
				if !sawFrame && inner.Stream && !*bytesWritten {
					sink.WriteFrame(tr.MessageStart())
					*bytesWritten = true
				}
				sawFrame = true

				ev, cerr := innerevent.Classify(frame)
				if cerr != nil {
					return resp.StatusCode, true, false, frames, nil
				}

				emitted, ferr := tr.Feed(ev)
				if ferr != nil {
					return resp.StatusCode, true, false, frames, nil
				}
				if inner.Stream {
					for _, f := range emitted {
						sink.WriteFrame(f)
					}
					*bytesWritten = *bytesWritten || len(emitted) > 0
				} else {
					frames = append(frames, emitted...)
				}

				if ev.Kind == innerevent.KindMessageStop {
					return resp.StatusCode, false, !sawFrame, frames, nil
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// A body read failure mid-stream is the same class of
			// problem as a malformed frame: the connection broke down
			// partway through, classified by whether bytes already
			// reached the client rather than surfaced as a plain error.
			return resp.StatusCode, true, false, frames, nil
		}
	}

	if decoder.Pending() > 0 {
		// The connection closed with an incomplete frame buffered — a
		// truncated stream, handled the same as a malformed one (P6).
		return resp.StatusCode, true, false, frames, nil
	}

	if !sawFrame {
		return resp.StatusCode, false, true, frames, nil
	}

	final := tr.Finalize()
	if inner.Stream {
		for _, f := range final {
			sink.WriteFrame(f)
		}
	} else {
		frames = append(frames, final...)
	}
	return resp.StatusCode, false, false, frames, nil
}

func (d *Dispatcher) buildRequest(ctx context.Context, cred *credential.Credential, inner *convert.InnerRequest, accessToken string) (*http.Request, error) {
	machineID := machineid.Derive(cred.MachineID, d.globalMachineID, cred.RefreshToken)
	body, err := buildUpstreamBody(inner, machineID)
	if err != nil {
		return nil, fmt.Errorf("marshal inner request: %w", err)
	}

	region := cred.Region
	if region == "" {
		region = "us-east-1"
	}
	url := fmt.Sprintf(upstreamURLTemplate, region)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	if inner.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	req.Header.Set("x-amzn-kiro-agent-mode", "spec")
	req.Header.Set("x-amz-user-agent", "aws-sdk-js/1.0.18 KiroIDE")
	req.Header.Set("user-agent", "aws-sdk-js/1.0.18 ua/2.1 os/other lang/js md/nodejs api/codewhispererstreaming#1.0.18 m/E KiroIDE")

	return req, nil
}

// buildUpstreamBody shapes an InnerRequest into the JSON body the Inner
// API expects. machineId is always present (C4 always resolves to some
// 64-hex value, falling back to a hash of the refresh token).
func buildUpstreamBody(inner *convert.InnerRequest, machineID string) ([]byte, error) {
	type historyTurn struct {
		Role    string                   `json:"role"`
		Content []convert.InnerContentPart `json:"content"`
	}
	history := make([]historyTurn, 0, len(inner.History))
	for _, h := range inner.History {
		history = append(history, historyTurn{Role: h.Role, Content: h.Content})
	}

	payload := map[string]any{
		"modelId":    inner.Model,
		"promptText": inner.PromptText,
		"history":    history,
		"maxTokens":  inner.MaxTokens,
		"machineId":  machineID,
	}
	if inner.Preamble != "" {
		payload["systemPrompt"] = inner.Preamble
	}
	if len(inner.Tools) > 0 {
		payload["tools"] = inner.Tools
	}
	if inner.Thinking != nil {
		payload["thinking"] = inner.Thinking
	}
	return json.Marshal(payload)
}

// aggregateFrom renders the non-streaming response object. frames is
// unused directly (the shape comes from the Transducer's own block
// state) but is accepted to keep attempt's return signature uniform
// across the streaming/non-streaming paths.
func aggregateFrom(tr *transduce.Transducer, frames []string) map[string]any {
	_ = frames
	return tr.Aggregate()
}

// sleepBackoff waits the exponential-backoff-with-jitter delay for the
// given 1-based attempt number (§4.7 "base 500 ms, factor 2, jitter
// ±20%, cap 8 s").
func (d *Dispatcher) sleepBackoff(ctx context.Context, attempt int) {
	delay := float64(backoffBase) * pow(backoffFactor, attempt-1)
	if delay > float64(backoffCap) {
		delay = float64(backoffCap)
	}
	jitter := (rand.Float64()*2 - 1) * backoffJitter * delay
	wait := time.Duration(delay + jitter)
	if wait < 0 {
		wait = 0
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// recordFailureN reports n consecutive failures for id, once per attempt
// actually consumed against that credential (§8 Scenario 4).
func recordFailureN(store *credential.Store, id, threshold, n int) {
	for i := 0; i < n; i++ {
		store.RecordFailure(id, threshold)
	}
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
