package event

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidDecoder is returned when registering a decoder without a
// tag or parse function.
var ErrInvalidDecoder = errors.New("invalid decoder")

// Event is a decoded inbound message.
type Event struct {
	// Tag names the event kind, e.g. "media_control".
	Tag string

	// Endpoint the frame arrived on.
	Endpoint uint16

	// Value is the parsed payload.
	Value any

	// ReceivedAt is when the frame was read.
	ReceivedAt time.Time
}

// ParseFunc converts a payload into an event value.
type ParseFunc func(payload []byte) (any, error)

// Decoder binds a tag and parser to one endpoint.
type Decoder struct {
	Tag   string
	Parse ParseFunc
}

// Decoders is a concurrency-safe endpoint to Decoder table.
type Decoders struct {
	mu  sync.RWMutex
	byE map[uint16]Decoder
}

// NewDecoders creates an empty table.
func NewDecoders() *Decoders {
	return &Decoders{byE: make(map[uint16]Decoder)}
}

// Register installs d for endpoint, replacing any previous decoder.
func (d *Decoders) Register(endpoint uint16, dec Decoder) error {
	if dec.Tag == "" || dec.Parse == nil {
		return fmt.Errorf("%w: endpoint %d", ErrInvalidDecoder, endpoint)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byE[endpoint] = dec
	return nil
}

// Unregister removes the decoder for endpoint. It reports whether one existed.
func (d *Decoders) Unregister(endpoint uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byE[endpoint]
	delete(d.byE, endpoint)
	return ok
}

// Lookup returns the decoder for endpoint.
func (d *Decoders) Lookup(endpoint uint16) (Decoder, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dec, ok := d.byE[endpoint]
	return dec, ok
}

// HasTag reports whether any endpoint decodes to tag.
func (d *Decoders) HasTag(tag string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, dec := range d.byE {
		if dec.Tag == tag {
			return true
		}
	}
	return false
}

// Len returns the number of registered decoders.
func (d *Decoders) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byE)
}

// Decode parses payload with the decoder for endpoint.
// ok is false when no decoder is registered; err reports a parse failure.
func (d *Decoders) Decode(endpoint uint16, payload []byte) (ev Event, ok bool, err error) {
	dec, ok := d.Lookup(endpoint)
	if !ok {
		return Event{}, false, nil
	}
	v, err := dec.Parse(payload)
	if err != nil {
		return Event{}, true, fmt.Errorf("decode %s on endpoint %d: %w", dec.Tag, endpoint, err)
	}
	return Event{
		Tag:        dec.Tag,
		Endpoint:   endpoint,
		Value:      v,
		ReceivedAt: time.Now(),
	}, true, nil
}
