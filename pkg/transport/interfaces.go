package transport

// FrameSource reads frames piecewise so a receive loop can tell an
// idle line from a broken header and skip heartbeats cheaply.
// Implemented by FrameReader.
type FrameSource interface {
	// ReadHeader reads the 4-byte frame header.
	ReadHeader() (Header, error)

	// ReadPayload reads the payload announced by h.
	ReadPayload(h Header) ([]byte, error)

	// Discard skips the payload announced by h.
	Discard(h Header) error
}

// FrameSink writes whole frames.
// Implemented by FrameWriter.
type FrameSink interface {
	// WriteFrame writes one frame to endpoint.
	WriteFrame(endpoint uint16, payload []byte) error
}

// Compile-time interface satisfaction checks.
var (
	_ FrameSource = (*FrameReader)(nil)
	_ FrameSink   = (*FrameWriter)(nil)
)
