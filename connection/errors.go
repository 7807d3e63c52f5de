package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport wraps every socket failure.
	ErrTransport = errors.New("connection: transport failure")

	// ErrConnect reports that no session could be established within the
	// reconnect budget. It is fatal for the session.
	ErrConnect = errors.New("connection: could not connect")

	// ErrRequestTimeout reports a request that got no response in time. It
	// is safe to retry.
	ErrRequestTimeout = errors.New("connection: request timed out")

	// ErrRequestCancelled reports a request abandoned because the
	// connection left the room before the response arrived.
	ErrRequestCancelled = errors.New("connection: request cancelled")

	// ErrNotInRoom rejects sends while no room is joined.
	ErrNotInRoom = errors.New("connection: not in a room")

	// ErrAlreadyConnected rejects Connect on a running manager.
	ErrAlreadyConnected = errors.New("connection: already connected")

	// ErrQueueFull reports an outbound queue that stayed full for the whole
	// write timeout.
	ErrQueueFull = errors.New("connection: outbound queue full")

	// ErrKicked ends the session after the local user was kicked.
	ErrKicked = errors.New("connection: kicked from room")

	// ErrDisconnected is returned by a pending Connect when Disconnect is
	// called before the room is joined.
	ErrDisconnected = errors.New("connection: disconnected")
)

// TransportError describes a socket failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// ConnectError is the terminal failure after the reconnect budget is spent.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection: giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() []error { return []error{ErrConnect, e.Err} }
