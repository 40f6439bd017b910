// Package apierrors renders the Outer API's error taxonomy (spec.md §7)
// as JSON error bodies and SSE "error" events.
//
// Grounded on the teacher's internal/relay/errors.go (table-driven
// status/type mapping, SanitizeSSEError shape), narrowed from the
// teacher's fifteen Claude-specific error codes to spec.md §7's seven
// kinds and their HTTP statuses.
package apierrors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is one of the seven error kinds spec.md §7 names.
type Kind string

const (
	KindInvalidRequest     Kind = "invalid_request"
	KindAuthentication     Kind = "authentication_error"
	KindPermission         Kind = "permission_error"
	KindRateLimit          Kind = "rate_limit_error"
	KindOverloaded         Kind = "overloaded_error"
	KindAPIError           Kind = "api_error"
	KindNoHealthyCredential Kind = "no_healthy_credential"
)

// statusFor maps each kind to the HTTP status the outer API returns.
var statusFor = map[Kind]int{
	KindInvalidRequest:      http.StatusBadRequest,
	KindAuthentication:      http.StatusUnauthorized,
	KindPermission:          http.StatusForbidden,
	KindRateLimit:           http.StatusTooManyRequests,
	KindOverloaded:          http.StatusServiceUnavailable,
	KindAPIError:            http.StatusInternalServerError,
	KindNoHealthyCredential: http.StatusServiceUnavailable,
}

// Error is a classified, client-facing error (§7 propagation rules: "only
// the terminal classification is surfaced").
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusFor[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// body is the Outer API's error envelope shape: {"type":"error","error":{"type","message"}}.
type body struct {
	Type  string    `json:"type"`
	Error bodyError `json:"error"`
}

type bodyError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// JSON renders e as the Outer API's JSON error body.
func (e *Error) JSON() []byte {
	resp := body{Type: "error", Error: bodyError{Type: string(e.Kind), Message: e.Message}}
	data, _ := json.Marshal(resp)
	return data
}

// WriteHTTP writes e as a JSON error response with the appropriate status.
func (e *Error) WriteHTTP(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	w.Write(e.JSON())
}

// SSE renders e as a trailing "error" SSE event (§4.7 "Decode error
// mid-stream", §7 "Mid-stream failures surface as a trailing error SSE
// event followed by stream close").
func (e *Error) SSE() string {
	return fmt.Sprintf("event: error\ndata: %s\n\n", e.JSON())
}

// ClassifyUpstreamStatus maps an Inner API HTTP status to a terminal kind,
// for use once the dispatcher has exhausted its retry/failover budget
// (§4.7's outcome table collapses to these four after "budget exhausted").
func ClassifyUpstreamStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindPermission
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindOverloaded
	default:
		return KindAPIError
	}
}
