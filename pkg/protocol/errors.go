package protocol

import "errors"

// Protocol errors.
var (
	// ErrNotConnected is returned by operations that need an active session.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect on an active session.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrLostConnection is the receive loop fault for an unexpected
	// transport failure. The underlying cause is wrapped alongside.
	ErrLostConnection = errors.New("lost connection")

	// ErrMalformedResponse is the receive loop fault for a header
	// shorter than 4 bytes.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrTransportUnavailable is returned by Connect when the opener fails.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrRequestTimeout is returned by Request when the configured
	// request timeout elapses before a response arrives.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrParserPanicked is the request outcome when a ResponseParser panics.
	ErrParserPanicked = errors.New("response parser panicked")
)
