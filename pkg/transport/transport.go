package transport

import (
	"context"
	"errors"
	"io"
)

// Transport is an open, bidirectional byte stream to the device.
//
// Read returns io.EOF (or 0 bytes with io.EOF) when no data is available,
// and a non-EOF error when the link is gone. Close must unblock a pending
// Read.
type Transport interface {
	io.ReadWriteCloser
}

// Opener establishes a Transport. It is called once per connect.
type Opener func(ctx context.Context) (Transport, error)

// ErrNilStream is returned by a Stream opener built around a nil stream.
var ErrNilStream = errors.New("nil stream")

// Stream returns an Opener that hands out an already open stream.
// The stream is closed on disconnect, so the Opener only serves
// one session.
func Stream(rwc io.ReadWriteCloser) Opener {
	return func(ctx context.Context) (Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rwc == nil {
			return nil, ErrNilStream
		}
		return rwc, nil
	}
}

// Named is implemented by transports that can name their target.
// The name appears in logs and capture events.
type Named interface {
	Target() string
}
