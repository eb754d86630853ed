package connector

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a connector.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrInvalidState is returned by lifecycle calls that are not valid in the current state.
	ErrInvalidState = errors.New("invalid connector state")
	// ErrNotConnected is returned by operations that need an established connection.
	ErrNotConnected = errors.New("connector is not connected")
	// ErrTriggerUnsupported is returned when a binding cannot replay the query. Callers may ignore it.
	ErrTriggerUnsupported = errors.New("trigger not supported by binding")
	// ErrDisposed is returned by every call after Dispose.
	ErrDisposed = errors.New("connector is disposed")
)
