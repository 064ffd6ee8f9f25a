package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pebble-protocol/pebble-go/pkg/log"
)

// Framing constants.
const (
	// HeaderSize is the size of the frame header in bytes
	// (2 bytes length + 2 bytes endpoint, both big-endian).
	HeaderSize = 4

	// MaxPayloadSize is the largest payload a 16-bit length can describe.
	MaxPayloadSize = 0xFFFF

	// HeartbeatEndpoint is the reserved keep-alive endpoint.
	// Frames on it are consumed and never dispatched.
	HeartbeatEndpoint uint16 = 0

	// MaxLogFrameDataSize is the maximum frame data size to include in logs (4 KB).
	// Larger frames are truncated in log events to avoid excessive memory usage.
	MaxLogFrameDataSize = 4096
)

// Framing errors.
var (
	// ErrPayloadTooLarge indicates the payload does not fit a 16-bit length.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrMalformedHeader indicates fewer than HeaderSize header bytes.
	ErrMalformedHeader = errors.New("malformed frame header")

	// ErrFrameTruncated indicates the stream ended inside a payload.
	ErrFrameTruncated = errors.New("frame truncated")
)

// Header is the fixed 4-byte frame prefix.
type Header struct {
	// Length is the payload size in bytes (header excluded).
	Length uint16

	// Endpoint routes the payload to its handlers.
	Endpoint uint16
}

// IsHeartbeat reports whether the frame is a keep-alive.
func (h Header) IsHeartbeat() bool {
	return h.Endpoint == HeartbeatEndpoint
}

// Frame is a decoded frame.
type Frame struct {
	Endpoint uint16
	Payload  []byte
}

// Encode builds the wire form of a frame.
func Encode(endpoint uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(payload)))
	binary.BigEndian.PutUint16(buf[2:4], endpoint)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes", ErrMalformedHeader, len(b))
	}
	return Header{
		Length:   binary.BigEndian.Uint16(b[0:2]),
		Endpoint: binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// FrameSize returns the total frame size including the header.
func FrameSize(payloadSize int) int {
	return HeaderSize + payloadSize
}

// FrameWriter writes frames to an underlying writer.
type FrameWriter struct {
	w  io.Writer
	mu sync.Mutex

	// Logging support (optional)
	logger log.Logger
	connID string
	target string
}

// NewFrameWriter creates a new frame writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// SetLogger configures logging for this writer.
// Pass nil to disable logging.
func (fw *FrameWriter) SetLogger(logger log.Logger, connID, target string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.logger = logger
	fw.connID = connID
	fw.target = target
}

// WriteFrame writes one frame with a single Write call.
// Thread-safe: can be called from multiple goroutines.
func (fw *FrameWriter) WriteFrame(endpoint uint16, payload []byte) error {
	buf, err := Encode(endpoint, payload)
	if err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	if fw.logger != nil {
		fw.logger.Log(makeFrameEvent(fw.connID, fw.target, endpoint, payload, log.DirectionOut))
	}
	return nil
}

// FrameReader reads frames from an underlying reader.
// It is not safe for concurrent use; one receive loop owns it.
type FrameReader struct {
	r         io.Reader
	headerBuf [HeaderSize]byte

	// Logging support (optional)
	logger log.Logger
	connID string
	target string
}

// NewFrameReader creates a new frame reader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// SetLogger configures logging for this reader.
// Pass nil to disable logging.
func (fr *FrameReader) SetLogger(logger log.Logger, connID, target string) {
	fr.logger = logger
	fr.connID = connID
	fr.target = target
}

// ReadHeader reads one frame header.
//
// It returns io.EOF when no byte at all was available, an error wrapping
// ErrMalformedHeader when the stream produced 1 to 3 bytes, and other
// read errors wrapped as they are.
func (fr *FrameReader) ReadHeader() (Header, error) {
	n, err := io.ReadFull(fr.r, fr.headerBuf[:])
	if err != nil {
		if err == io.EOF {
			return Header{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("%w: got %d bytes", ErrMalformedHeader, n)
		}
		return Header{}, fmt.Errorf("failed to read header: %w", err)
	}
	return DecodeHeader(fr.headerBuf[:])
}

// ReadPayload reads exactly h.Length payload bytes.
func (fr *FrameReader) ReadPayload(h Header) ([]byte, error) {
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, fmt.Errorf("%w: endpoint %d wants %d bytes", ErrFrameTruncated, h.Endpoint, h.Length)
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	if fr.logger != nil {
		fr.logger.Log(makeFrameEvent(fr.connID, fr.target, h.Endpoint, payload, log.DirectionIn))
	}
	return payload, nil
}

// Discard consumes h.Length payload bytes without keeping them.
func (fr *FrameReader) Discard(h Header) error {
	if _, err := io.CopyN(io.Discard, fr.r, int64(h.Length)); err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: endpoint %d wants %d bytes", ErrFrameTruncated, h.Endpoint, h.Length)
		}
		return fmt.Errorf("failed to discard payload: %w", err)
	}

	if fr.logger != nil {
		ev := makeFrameEvent(fr.connID, fr.target, h.Endpoint, nil, log.DirectionIn)
		ev.Category = log.CategoryHeartbeat
		ev.Frame.Size = FrameSize(int(h.Length))
		fr.logger.Log(ev)
	}
	return nil
}

// ReadFrame reads one complete frame, header and payload.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	h, err := fr.ReadHeader()
	if err != nil {
		return Frame{}, err
	}
	payload, err := fr.ReadPayload(h)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Endpoint: h.Endpoint, Payload: payload}, nil
}

// makeFrameEvent creates a log event for a frame.
func makeFrameEvent(connID, target string, endpoint uint16, data []byte, direction log.Direction) log.Event {
	frameData := data
	truncated := false

	if len(data) > MaxLogFrameDataSize {
		frameData = data[:MaxLogFrameDataSize]
		truncated = true
	}

	category := log.CategoryMessage
	if endpoint == HeartbeatEndpoint {
		category = log.CategoryHeartbeat
	}

	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    direction,
		Layer:        log.LayerTransport,
		Category:     category,
		Target:       target,
		Frame: &log.FrameEvent{
			Endpoint:  endpoint,
			Size:      FrameSize(len(data)),
			Data:      frameData,
			Truncated: truncated,
		},
	}
}
