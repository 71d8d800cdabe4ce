package wsclient

import "errors"

// State is one position in the session machine:
//
//	Disconnected -> Connecting -> Authenticating -> Subscribing -> Active
//
// with Active -> Reconnecting -> Connecting on unexpected closure, and
// Disconnected terminal per attempt.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

var (
	// ErrNoCredential is returned by Connect when no auth token is
	// available locally. Retrying without a token cannot succeed, so this
	// is reported to the caller rather than retried.
	ErrNoCredential = errors.New("no credential available")

	// ErrReconnectExhausted is surfaced after the reconnection attempt cap
	// is exceeded. The session stays terminally disconnected until the
	// caller explicitly connects again.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrQueueFull is returned when an offline send would exceed the
	// buffered queue limit.
	ErrQueueFull = errors.New("offline send queue full")

	// ErrClosed is returned on use after Close.
	ErrClosed = errors.New("client closed")
)
