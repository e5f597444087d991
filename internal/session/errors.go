package session

import "errors"

var (
	// ErrClosed is returned by every operation after Exit.
	ErrClosed = errors.New("session closed")

	// ErrNotStarted is returned when a payload arrives before a role
	// was chosen.
	ErrNotStarted = errors.New("no active handshake")

	// ErrAlreadyStarted is returned when a role is chosen twice
	// without a reset in between.
	ErrAlreadyStarted = errors.New("handshake already started")

	// ErrNotConnected is returned for traffic sent before the data
	// channel exists. Nothing is transmitted.
	ErrNotConnected = errors.New("no data channel yet")
)
