package log

import "time"

// Event is one protocol capture record.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the session (UUID, new on every connect).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates data flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"5,keyasint"`

	// Target describes the transport (device path or stream name).
	Target string `cbor:"6,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"`
	Request     *RequestEvent     `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"`
}

// Direction indicates the direction of data flow.
type Direction uint8

const (
	// DirectionIn is device to host.
	DirectionIn Direction = 0
	// DirectionOut is host to device.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which part of the stack captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw frames).
	LayerTransport Layer = 0
	// LayerProtocol is the engine (state, dispatch, correlation).
	LayerProtocol Layer = 1
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerProtocol:
		return "PROTOCOL"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage is a dispatchable frame.
	CategoryMessage Category = 0
	// CategoryHeartbeat is an endpoint 0 frame.
	CategoryHeartbeat Category = 1
	// CategoryState is a connection state change.
	CategoryState Category = 2
	// CategoryRequest is a request correlation step.
	CategoryRequest Category = 3
	// CategoryError is an error at any layer.
	CategoryError Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryHeartbeat:
		return "HEARTBEAT"
	case CategoryState:
		return "STATE"
	case CategoryRequest:
		return "REQUEST"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures one frame at the transport layer.
type FrameEvent struct {
	// Endpoint is the frame's endpoint id.
	Endpoint uint16 `cbor:"1,keyasint"`

	// Size is the frame size in bytes (including the 4-byte header).
	Size int `cbor:"2,keyasint"`

	// Data is the payload (may be truncated for large frames).
	Data []byte `cbor:"3,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"4,keyasint,omitempty"`
}

// StateChangeEvent captures a connection state transition.
type StateChangeEvent struct {
	OldState string `cbor:"1,keyasint,omitempty"`
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// RequestPhase is a step in request/response correlation.
type RequestPhase uint8

const (
	// RequestRegistered means a one-shot response handler was installed.
	RequestRegistered RequestPhase = 0
	// RequestFulfilled means a response frame was claimed.
	RequestFulfilled RequestPhase = 1
	// RequestAbandoned means the caller stopped waiting.
	RequestAbandoned RequestPhase = 2
)

// String returns the phase name.
func (p RequestPhase) String() string {
	switch p {
	case RequestRegistered:
		return "REGISTERED"
	case RequestFulfilled:
		return "FULFILLED"
	case RequestAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// RequestEvent captures request correlation.
type RequestEvent struct {
	Endpoint uint16       `cbor:"1,keyasint"`
	Phase    RequestPhase `cbor:"2,keyasint"`
	Async    bool         `cbor:"3,keyasint,omitempty"`

	// Reason is set for abandoned requests.
	Reason string `cbor:"4,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error text.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
