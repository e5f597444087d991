package handshake

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload marks pasted input that cannot be decoded
	// into a session description.
	ErrMalformedPayload = errors.New("malformed handshake payload")
	// ErrWindowExpired marks an answer arriving after the handshake
	// window closed; the session must be restarted from a new offer.
	ErrWindowExpired = errors.New("handshake window expired")
	// ErrBadState marks an operation that does not fit the current
	// handshake state, such as answering before an offer exists.
	ErrBadState = errors.New("operation not valid in current handshake state")
)

// Error carries the failing operation alongside the cause so the UI
// can show "accept answer: malformed handshake payload (not valid
// base64)" instead of a bare sentinel.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
