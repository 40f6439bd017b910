// Package dispatch implements the dispatcher's select→issue→classify→
// {retry|failover|abort} state machine (C7, spec.md §4.7).
//
// Grounded on the teacher's internal/relay/relay.go Handle retry loop
// (exclude-list pattern, per-status handling, 403-retry-same-before-
// exclude behavior) generalized from Anthropic-specific status handling
// to spec.md §4.7's outcome table, and internal/scheduler/scheduler.go's
// selection split out to credential.Store.Next.
package dispatch

import "net/http"

// Action is the dispatcher's decision after classifying one attempt's
// outcome, per spec.md §4.7's "Outcome classification" table.
type Action int

const (
	ActionSuccess Action = iota
	ActionRetrySame
	ActionFailover
	ActionAbort
)

// String renders the action for logging and the admin attempt-history.
func (a Action) String() string {
	switch a {
	case ActionSuccess:
		return "success"
	case ActionRetrySame:
		return "retry_same"
	case ActionFailover:
		return "failover"
	case ActionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Outcome is the full classification result: the action plus whether the
// dispatcher must force a token refresh before the retry (401/403's first
// occurrence). Failure accounting is not part of the Outcome: Dispatch
// records failures when it gives up on a credential (failover, abort, or
// the per-credential budget running out), once per attempt consumed; a
// plain retry-same on 429/5xx records nothing by itself.
type Outcome struct {
	Action       Action
	ForceRefresh bool
}

// authRetryState tracks, per credential-attempt-sequence, whether a 401/403
// has already triggered one force-refresh-and-retry (§4.7: "second
// occurrence → failover").
type authRetryState struct {
	sawAuthFailureOnce bool
}

// Classify maps one attempt's upstream signal to an Outcome. bytesWritten
// reports whether any SSE byte has already reached the client for this
// request (§4.7 "Partial-response policy" / L2); decodeErr reports a C1
// decode failure mid-stream; emptyBody reports a 200 response with no
// frames at all.
func Classify(status int, decodeErr bool, emptyBody bool, bytesWritten bool, auth *authRetryState) Outcome {
	switch {
	case decodeErr:
		if bytesWritten {
			return Outcome{Action: ActionAbort}
		}
		return Outcome{Action: ActionFailover}

	case status == http.StatusOK && emptyBody:
		return Outcome{Action: ActionFailover}

	case status == http.StatusOK:
		return Outcome{Action: ActionSuccess}

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if !auth.sawAuthFailureOnce {
			auth.sawAuthFailureOnce = true
			return Outcome{Action: ActionRetrySame, ForceRefresh: true}
		}
		return Outcome{Action: ActionFailover}

	case status == http.StatusTooManyRequests:
		return Outcome{Action: ActionRetrySame}

	case status >= 500:
		return Outcome{Action: ActionRetrySame}

	default:
		return Outcome{Action: ActionFailover}
	}
}
