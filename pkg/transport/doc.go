// Package transport provides the framing layer and byte-stream openers
// for talking to a Pebble watch.
//
// The transport layer handles:
//   - Frame encoding and decoding
//   - Heartbeat frame recognition
//   - Opening a serial device or wrapping an already open stream
//
// # Frame Format
//
//	┌──────────────┬──────────────┬─────────────────────┐
//	│ length (BE16)│endpoint(BE16)│ payload (length B)  │
//	└──────────────┴──────────────┴─────────────────────┘
//
// Endpoint 0 carries heartbeats. Their payload is read and dropped.
//
// A ping on endpoint 10 encodes as
//
//	00 04 00 0A 50 49 4E 47
package transport
