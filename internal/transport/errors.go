package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected is returned when no live connection can carry a request.
	ErrDisconnected = errors.New("transport disconnected")
	// ErrAckTimeout is returned when the relay does not answer in time.
	ErrAckTimeout = errors.New("ack timeout")
	// ErrClosed is returned after the session was shut down locally.
	ErrClosed = errors.New("session closed")
	// ErrLoggedOut is returned after the relay revoked this device.
	ErrLoggedOut = errors.New("logged out by relay")
	// ErrNoCredentials is returned when no token is configured.
	ErrNoCredentials = errors.New("no relay token configured")
)

// RemoteError is a refusal reported by the relay in an ack.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay: %s: %s", e.Code, e.Message)
}
