// Package protocol implements the Pebble endpoint protocol client.
//
// A Protocol owns one transport at a time. Connect opens it and starts a
// background receive loop that reads frames, drops heartbeats and fans
// every other frame out to the handlers registered for its endpoint:
//
//	p := protocol.New(transport.Serial(transport.SerialConfig{Device: "/dev/rfcomm0"}))
//	if err := p.Connect(ctx); err != nil {
//		return err
//	}
//	defer p.Disconnect()
//
//	p.OnReceive(endpointLogs, func(payload []byte) { ... })
//	version, err := p.Request(ctx, endpointVersion, nil, parseVersion)
//
// # Handlers
//
// Endpoint handlers receive the payload, wildcard handlers receive the
// endpoint and the payload. Every invocation runs in its own goroutine
// with panic recovery, so a slow or faulty handler never stalls the loop.
//
// # Requests
//
// Request and RequestAsync install a one-shot handler on the endpoint
// before writing the frame. The next frame on that endpoint is claimed by
// the oldest outstanding one-shot, so concurrent requests to the same
// endpoint are answered in the order they were sent.
//
// # Faults
//
// A header of 1 to 3 bytes ends the session with ErrMalformedResponse;
// a read failure while connected ends it with ErrLostConnection. The
// fault is available from Err and Listen, and outstanding requests fail
// with it. There is no automatic reconnect.
package protocol
