// Package event turns raw endpoint payloads into tagged events and
// buffers them for consumers that prefer pulling to callbacks.
//
// A Decoders table maps endpoint ids to a tag and a parse function.
// The receive loop consults it for every frame; frames on endpoints
// without a decoder are dispatched raw and never queued.
//
// Queue is an unbounded FIFO. A queue that is never drained grows
// without limit.
package event
