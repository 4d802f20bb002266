package estuary

import (
	"errors"
	"fmt"
	"time"
)

// Error codes carried by ApplyError.
const (
	ErrCodeWriteFailed  = "WRITE_FAILED"
	ErrCodeRejected     = "REJECTED"
	ErrCodeUnavailable  = "UNAVAILABLE"
	ErrCodeEncodeFailed = "ENCODE_FAILED"
)

// ApplyError reports an upsert or delete the read-model store did not accept.
type ApplyError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Operation string    `json:"operation"`
	Sink      string    `json:"sink"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Cause     error     `json:"-"`
}

// Error implements the error interface
func (e *ApplyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s in %s of id=%s on %s: %v", e.Code, e.Message, e.Operation, e.ID, e.Sink, e.Cause)
	}
	return fmt.Sprintf("[%s] %s in %s of id=%s on %s", e.Code, e.Message, e.Operation, e.ID, e.Sink)
}

// Unwrap returns the underlying cause
func (e *ApplyError) Unwrap() error {
	return e.Cause
}

func newApplyError(sink, operation string, id interface{}, code, message string, cause error) *ApplyError {
	return &ApplyError{
		Code:      code,
		Message:   message,
		Operation: operation,
		Sink:      sink,
		ID:        FormatID(id),
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// AsApplyError extracts an ApplyError from err.
func AsApplyError(err error) (*ApplyError, bool) {
	var ae *ApplyError
	ok := errors.As(err, &ae)
	return ae, ok
}
