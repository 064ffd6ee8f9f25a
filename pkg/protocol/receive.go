package protocol

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pebble-protocol/pebble-go/pkg/log"
	"github.com/pebble-protocol/pebble-go/pkg/transport"
)

// receiveLoop reads frames for s until it is disconnected or faults.
func (p *Protocol) receiveLoop(s *session) {
	defer p.finish(s)

	p.debugLog("receiveLoop: waiting for messages", "conn_id", s.id)

	for s.active.Load() {
		h, err := s.reader.ReadHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !p.idle(s) {
					return
				}
				continue
			}
			if errors.Is(err, transport.ErrMalformedHeader) {
				p.fail(s, fmt.Errorf("%w: %w", ErrMalformedResponse, err), faultMalformedResponse)
				return
			}
			p.fail(s, fmt.Errorf("%w: %w", ErrLostConnection, err), faultLostConnection)
			return
		}

		if h.IsHeartbeat() {
			if err := s.reader.Discard(h); err != nil {
				p.fail(s, fmt.Errorf("%w: %w", ErrLostConnection, err), faultLostConnection)
				return
			}
			p.metrics.heartbeat()
			continue
		}

		payload, err := s.reader.ReadPayload(h)
		if err != nil {
			p.fail(s, fmt.Errorf("%w: %w", ErrLostConnection, err), faultLostConnection)
			return
		}

		// A frame read after Disconnect belongs to no one.
		if !s.active.Load() {
			return
		}

		p.debugLog("receiveLoop: received", "conn_id", s.id, "endpoint", h.Endpoint, "length", h.Length)
		p.deliver(s, h.Endpoint, payload)
	}
}

// idle waits out the idle delay. It returns false if s was disconnected.
func (p *Protocol) idle(s *session) bool {
	timer := time.NewTimer(p.config.IdleDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.closing:
		return false
	}
}

// fail records a loop fault unless s was already disconnected, in which
// case the read error is the expected result of Disconnect and is dropped.
func (p *Protocol) fail(s *session, err error, kind string) {
	if !s.active.CompareAndSwap(true, false) {
		return
	}

	s.setFault(err)
	s.stop()
	if cerr := s.conn.Close(); cerr != nil {
		p.debugLog("receiveLoop: close after fault failed", "conn_id", s.id, "error", cerr)
	}

	p.metrics.fault(kind)
	if p.config.Logger != nil {
		p.config.Logger.Warn("receiveLoop: session ended", "conn_id", s.id, "error", err)
	}
	p.capture(log.Event{
		ConnectionID: s.id,
		Category:     log.CategoryError,
		Target:       s.target,
		Error: &log.ErrorEventData{
			Layer:   log.LayerTransport,
			Message: err.Error(),
			Context: "receive loop",
		},
	})
	p.stateChanged(s, StateConnected, StateDisconnected, kind)
}

// deliver routes one frame to the queue, the event handlers and the registry.
func (p *Protocol) deliver(s *session, endpoint uint16, payload []byte) {
	p.metrics.frameReceived(endpoint)

	queue := s.currentQueue()
	if dec, ok := p.decoders.Lookup(endpoint); ok && (queue != nil || p.events.has(dec.Tag)) {
		ev, _, err := p.decoders.Decode(endpoint, payload)
		if err != nil {
			p.debugLog("receiveLoop: decode failed", "conn_id", s.id, "endpoint", endpoint, "error", err)
		} else {
			if queue != nil {
				queue.Push(ev)
			}
			p.fireEvent(ev)
		}
	}

	p.registry.Dispatch(endpoint, payload)
}

// finish runs once the loop has ended, whatever the cause.
func (p *Protocol) finish(s *session) {
	if n := p.registry.cancelOwned(s.id, sessionOutcome(s)); n > 0 {
		p.debugLog("receiveLoop: cancelled pending requests", "conn_id", s.id, "count", n)
	}

	s.mu.Lock()
	s.finished = true
	if s.queue != nil {
		s.queue.Close()
	}
	s.mu.Unlock()

	close(s.done)

	p.capture(log.Event{
		ConnectionID: s.id,
		Category:     log.CategoryState,
		Target:       s.target,
		StateChange: &log.StateChangeEvent{
			NewState: StateDisconnected.String(),
			Reason:   "receive loop finished",
		},
	})
	p.debugLog("receiveLoop: finished waiting for messages", "conn_id", s.id)
}
