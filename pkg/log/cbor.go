package log

import (
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// codec pairs the encode and decode modes of the capture file format.
type codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// newCodec builds canonical CBOR (RFC 8949 core deterministic encoding)
// with RFC 3339 timestamps that keep nanoseconds. Decoding rejects
// duplicate map keys so a corrupted record is reported, not merged.
func newCodec() (codec, error) {
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return codec{}, fmt.Errorf("capture encoder: %w", err)
	}

	dec, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		return codec{}, fmt.Errorf("capture decoder: %w", err)
	}
	return codec{enc: enc, dec: dec}, nil
}

var captureCodec = sync.OnceValue(func() codec {
	c, err := newCodec()
	if err != nil {
		panic(err)
	}
	return c
})

// EncodeEvent encodes an Event to CBOR.
func EncodeEvent(event Event) ([]byte, error) {
	return captureCodec().enc.Marshal(event)
}

// DecodeEvent decodes one CBOR record into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	err := captureCodec().dec.Unmarshal(data, &event)
	return event, err
}

// NewEncoder returns an encoder writing capture records to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return captureCodec().enc.NewEncoder(w)
}

// NewDecoder returns a decoder reading capture records from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return captureCodec().dec.NewDecoder(r)
}
