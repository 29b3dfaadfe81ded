package mesh

import "errors"

var (
	// ErrSocketClosed is returned by Peering.Send when the peer socket has
	// not been opened by Start. After Stop, sends fail with the closed
	// socket's own error instead.
	ErrSocketClosed = errors.New("mesh: socket closed")

	// ErrBindFailed wraps the underlying error when the UDP listener
	// cannot bind its configured port.
	ErrBindFailed = errors.New("mesh: failed to bind listen port")

	// ErrFrameTooShort names a datagram too small to contain a frame. No
	// function in this package returns it: Peering drops such datagrams
	// without an error.
	ErrFrameTooShort = errors.New("mesh: frame too short")

	// ErrUnknownFrameType names a type byte outside the fixed
	// PING..RELAY_ACK range. No function in this package returns it:
	// Peering ignores unknown frame types without an error.
	ErrUnknownFrameType = errors.New("mesh: unknown frame type")

	// ErrMalformedFrame is returned when a frame's fixed type is
	// recognized but its body cannot be parsed.
	ErrMalformedFrame = errors.New("mesh: malformed frame")

	// ErrNoRoute names the case of no non-expired route to a destination.
	// No function in this package returns it: Router.Relay reports that
	// case by returning false.
	ErrNoRoute = errors.New("mesh: no route to destination")

	// ErrTTLExceeded names the case of a message whose hop count has
	// already reached its max_hops. No function in this package returns
	// it: Router.Relay reports that case by returning false.
	ErrTTLExceeded = errors.New("mesh: ttl exceeded")
)
