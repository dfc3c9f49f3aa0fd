package query

import "errors"

// ValidationError describes a malformed or out-of-bounds request. Details carries
// machine-readable context for clients and the audit trail.
type ValidationError struct {
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	return "invalid query: " + e.Message
}

func newValidationError(message string, details map[string]any) *ValidationError {
	return &ValidationError{Message: message, Details: details}
}

// MalformedBody reports a request body that could not be decoded into Params.
func MalformedBody(err error) *ValidationError {
	return newValidationError("request body must be a single JSON object", map[string]any{
		"error": err.Error(),
	})
}

// AsValidationError unwraps err into a *ValidationError when it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
