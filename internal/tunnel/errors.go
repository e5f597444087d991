package tunnel

import (
	"errors"
	"fmt"
)

var (
	ErrChannelNotOpen    = errors.New("data channel not open")
	ErrChannelClosed     = errors.New("data channel closed mid-send")
	ErrBufferTimeout     = errors.New("send buffer not draining")
	ErrMalformedEnvelope = errors.New("malformed tunnel envelope")
	ErrTransferActive    = errors.New("a file transfer is already in progress")
	ErrNoTransfer        = errors.New("binary chunk arrived with no transfer announced")
	ErrTransferFailed    = errors.New("file transfer failed")
)

// Error is the tunnel's structured error: the operation, the file it
// concerned if any, the cause, and free-form detail.
type Error struct {
	Op      string
	File    string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
	}
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

func NewFileError(op, file string, err error) *Error {
	return &Error{Op: op, File: file, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
