package engine

import "errors"

var (
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("engine: already initialized")
	// ErrClosed is returned once Cleanup has run.
	ErrClosed = errors.New("engine: closed")
	// ErrNegotiationTimeout is reported through Handlers.OnError when the
	// connection does not reach "connected" in time.
	ErrNegotiationTimeout = errors.New("engine: negotiation timed out")
)

// Role is fixed for the lifetime of an Engine.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

// Lifecycle only moves forward. CleanedUp is terminal.
type Lifecycle int32

const (
	Uninitialized Lifecycle = iota
	Initializing
	Initialized
	CleanedUp
)

func (l Lifecycle) String() string {
	switch l {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Initialized:
		return "initialized"
	case CleanedUp:
		return "cleaned-up"
	default:
		return "unknown"
	}
}
