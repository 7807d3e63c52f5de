package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is the sentinel behind every *MalformedError.
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownEvent is the sentinel behind every *UnknownEventError.
	ErrUnknownEvent = errors.New("unknown event")
)

// MalformedError reports a payload that failed its shape check.
type MalformedError struct {
	// Event is the discriminator, empty when it could not be read.
	Event string
	// Field is the offending field path, empty for whole-payload failures.
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	switch {
	case e.Event == "":
		return fmt.Sprintf("%s: %s", ErrMalformed, e.Reason)
	case e.Field == "":
		return fmt.Sprintf("%s %q: %s", ErrMalformed, e.Event, e.Reason)
	default:
		return fmt.Sprintf("%s %q: field %s: %s", ErrMalformed, e.Event, e.Field, e.Reason)
	}
}

// Unwrap enables errors.Is(err, ErrMalformed).
func (e *MalformedError) Unwrap() error {
	return ErrMalformed
}

// UnknownEventError reports a well-formed object whose event names no variant.
type UnknownEventError struct {
	Event string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("%s %q", ErrUnknownEvent, e.Event)
}

// Unwrap enables errors.Is(err, ErrUnknownEvent).
func (e *UnknownEventError) Unwrap() error {
	return ErrUnknownEvent
}
