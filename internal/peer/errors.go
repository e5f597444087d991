package peer

import "errors"

var (
	// ErrConnectionFailed means ICE or DTLS never came up, or broke in
	// a way pion reports as unrecoverable.
	ErrConnectionFailed = errors.New("peer connection failed")
	// ErrConnectionLost means the connection dropped and did not
	// recover within the disconnect grace period.
	ErrConnectionLost = errors.New("peer connection lost")
	// ErrClosed means the manager was shut down locally.
	ErrClosed = errors.New("peer manager closed")
)
