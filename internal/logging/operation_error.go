package logging

import (
	"errors"
	"fmt"
)

// OperationError annotates an error with the operation that produced it and,
// when known, the request it belongs to.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err; a nil err stays nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// RequestIDOf returns the first request id found walking err's chain of
// OperationErrors from the outside in, or "" when none carries one. The id is
// the X-Request-ID sent to the detection service, so it can be quoted back to
// users without revealing the cause.
func RequestIDOf(err error) string {
	for err != nil {
		var opErr *OperationError
		if !errors.As(err, &opErr) {
			return ""
		}
		if opErr.RequestID != "" {
			return opErr.RequestID
		}
		err = opErr.Err
	}
	return ""
}
