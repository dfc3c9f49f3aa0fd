package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a terminal pipeline failure.
type Kind string

// Error kinds.
const (
	KindAuthzDenied Kind = "authz_denied"
	KindRateLimited Kind = "rate_limited"
	KindValidation  Kind = "validation"
	KindUpstream    Kind = "upstream"
	KindUnavailable Kind = "unavailable"
)

// Reasons not owned by another package.
const (
	ReasonRateLimited    = "rate_limited"
	ReasonInvalidQuery   = "invalid_query"
	ReasonInvalidRequest = "invalid_request"
	ReasonUnknownAction  = "unknown_action"

	// ReasonAuditUnavailable marks an audit listing the store could not serve.
	ReasonAuditUnavailable = "audit_unavailable"
)

// Error is the typed result of every failed Run, Authorize or ReadAudit call.
// The request layer maps Kind to a response status.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Details map[string]any
	// RetryAfter is set for KindRateLimited, in seconds.
	RetryAfter int
	// Timeout marks an upstream failure caused by the fetch deadline.
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
