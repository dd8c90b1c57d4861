package protocol

import (
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed gateway message")

// ParseError reports an inbound frame that failed decoding or validation.
type ParseError struct {
	Field  string
	Reason string
	Err    error
}

func missing(field string) *ParseError {
	return &ParseError{Field: field, Reason: "missing"}
}

func (e *ParseError) Error() string {
	msg := ErrMalformed.Error()
	if e.Field != "" {
		msg += fmt.Sprintf(": %s", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrMalformed }
