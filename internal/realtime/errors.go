package realtime

import "errors"

// Failure taxonomy for the fanout subsystem. Per-connection failures are
// always isolated: they tear down that one connection and never abort an
// in-flight broadcast or affect other connections.
var (
	// ErrAuthenticationFailed is reported when a connection presents a
	// missing or invalid credential. The connection is refused before it
	// is ever registered.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrAuthorizationDenied is reported when a user subscribes to a
	// channel they are not a member of. The channel is skipped; the rest
	// of the subscribe batch proceeds.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrCapacityExceeded is reported when a user already holds the
	// configured maximum number of concurrent connections. The new
	// connection is refused; existing ones are unaffected.
	ErrCapacityExceeded = errors.New("connection capacity exceeded")

	// ErrDeliveryFailed is reported when a send to a single connection
	// fails or its outbound queue is full. The connection is torn down.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrConnectionClosed is reported on writes to a connection that has
	// already been torn down.
	ErrConnectionClosed = errors.New("connection closed")
)
