package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrBufferFull is returned when a connection's send buffer is full.
	ErrBufferFull = errors.New("send buffer full")

	// ErrStopped is returned when the hub loop is no longer running.
	ErrStopped = errors.New("hub stopped")
)

// RoutingError means the target connection or room no longer exists.
type RoutingError struct {
	Target string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no route to %s", e.Target)
}

// TransportError means delivery to one connection failed.
type TransportError struct {
	ConnectionID string
	Err          error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.ConnectionID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
