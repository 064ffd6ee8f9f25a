// Package log provides structured protocol capture for pebble-go.
//
// This package defines the Logger interface and Event types for recording
// what happens on the wire and inside the protocol engine: every frame read
// or written, heartbeats, connection state changes, request correlation and
// receive-loop faults. It is separate from operational logging (slog);
// capture is a complete machine-readable trace for debugging a device.
//
// # Basic Usage
//
//	// Print capture events to the console via slog
//	p := protocol.New(opener, protocol.WithProtocolLogger(log.NewSlogAdapter(slog.Default())))
//
//	// Write a binary capture file
//	fl, _ := log.NewFileLogger("/var/log/pebble/watch.plog")
//	p := protocol.New(opener, protocol.WithProtocolLogger(fl))
//
//	// Both
//	p := protocol.New(opener, protocol.WithProtocolLogger(log.NewMultiLogger(adapter, fl)))
//
// # Event Types
//
//   - Transport: raw frames (FrameEvent), including discarded heartbeats
//   - Protocol: state changes (StateChangeEvent), request correlation
//     (RequestEvent) and errors (ErrorEventData)
//
// # File Format
//
// Capture files are a stream of canonical CBOR records using integer keys.
// StreamLogger writes them to any io.WriteCloser; FileLogger appends them
// to a file. Reader iterates a file and applies an optional Filter, whose
// Direction criterion only matches frame events.
package log
