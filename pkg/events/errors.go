package events

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOperation is returned for operation codes outside c, r, u, d.
	ErrUnknownOperation = errors.New("unknown operation code")

	// ErrMissingImage is returned when the row image an operation needs is absent.
	ErrMissingImage = errors.New("required row image missing")

	// ErrMissingPrimaryKey is returned when the selected image has no primary key value.
	ErrMissingPrimaryKey = errors.New("primary key missing from row image")
)

// MalformedEventError reports a notification that cannot be applied.
type MalformedEventError struct {
	Op     string
	Table  string
	Key    string
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	msg := fmt.Sprintf("malformed event op=%q", e.Op)
	if e.Table != "" {
		msg += " table=" + e.Table
	}
	if e.Key != "" {
		msg += " key=" + e.Key
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is a MalformedEventError.
func IsMalformed(err error) bool {
	var me *MalformedEventError
	return errors.As(err, &me)
}
