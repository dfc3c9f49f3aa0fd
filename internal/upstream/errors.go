package upstream

import "errors"

// Failure reasons recorded in the audit trail.
const (
	ReasonTimeout     = "upstream_timeout"
	ReasonUnavailable = "upstream_unavailable"
	ReasonStatus      = "upstream_error"
	ReasonBadResponse = "upstream_bad_response"
)

// Error is a failed fetch. It is never retried here.
type Error struct {
	Reason     string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout reports whether the fetch ran out of time.
func (e *Error) Timeout() bool {
	return e.Reason == ReasonTimeout
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var ue *Error
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
