package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/pebble-protocol/pebble-go/pkg/log"
)

// ResponseParser converts a response payload into a value.
// A nil parser yields the raw payload.
type ResponseParser func(payload []byte) (any, error)

// ResponseHandler receives the outcome of an asynchronous request.
type ResponseHandler func(value any, err error)

type result struct {
	value any
	err   error
}

// parse runs parser on payload. A panic becomes an error so the waiting
// caller always gets an outcome.
func parse(parser ResponseParser, payload []byte) (value any, err error) {
	if parser == nil {
		return payload, nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			value, err = nil, fmt.Errorf("%w: %v", ErrParserPanicked, rec)
		}
	}()
	return parser(payload)
}

// Send writes a frame to endpoint without waiting for a reply.
// A nil message sends an empty payload.
func (p *Protocol) Send(endpoint uint16, message []byte) error {
	s := p.activeSession()
	if s == nil {
		return ErrNotConnected
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	return p.write(s, endpoint, message)
}

// write sends one frame; p.writeMu must be held.
func (p *Protocol) write(s *session, endpoint uint16, message []byte) error {
	p.debugLog("Send: sending", "conn_id", s.id, "endpoint", endpoint, "length", len(message))
	if err := s.writer.WriteFrame(endpoint, message); err != nil {
		return fmt.Errorf("send to endpoint %d: %w", endpoint, err)
	}
	p.metrics.frameSent(endpoint)
	return nil
}

// RequestAsync installs a one-shot handler on endpoint, sends message and
// returns. The next frame on endpoint is parsed and handed to handler.
// If the session ends first, handler receives the session's fault, or
// ErrNotConnected after Disconnect.
func (p *Protocol) RequestAsync(endpoint uint16, message []byte, parser ResponseParser, handler ResponseHandler) error {
	s := p.activeSession()
	if s == nil {
		return ErrNotConnected
	}
	if handler == nil {
		handler = func(any, error) {}
	}

	onResponse := func(payload []byte) {
		p.requestEvent(s, endpoint, log.RequestFulfilled, true, "")
		handler(parse(parser, payload))
	}
	onCancel := func(err error) {
		p.requestEvent(s, endpoint, log.RequestAbandoned, true, err.Error())
		handler(nil, err)
	}

	p.writeMu.Lock()
	id := p.registry.once(endpoint, s.id, onResponse, onCancel)
	p.requestEvent(s, endpoint, log.RequestRegistered, true, "")
	err := p.write(s, endpoint, message)
	p.writeMu.Unlock()

	if err != nil {
		p.registry.StopReceiving(endpoint, id)
		return err
	}

	select {
	case <-s.done:
		if p.registry.StopReceiving(endpoint, id) {
			outcome := sessionOutcome(s)
			p.registry.run(endpoint, func() { onCancel(outcome) })
		}
	default:
	}
	return nil
}

// Request sends message to endpoint and waits for the next frame on it.
//
// The wait ends with the parsed response, ctx being done, the configured
// request timeout, or the end of the session. On early exit the one-shot
// handler is removed so a late frame is dispatched normally.
func (p *Protocol) Request(ctx context.Context, endpoint uint16, message []byte, parser ResponseParser) (any, error) {
	s := p.activeSession()
	if s == nil {
		return nil, ErrNotConnected
	}

	results := make(chan result, 1)
	onResponse := func(payload []byte) {
		p.requestEvent(s, endpoint, log.RequestFulfilled, false, "")
		v, err := parse(parser, payload)
		results <- result{value: v, err: err}
	}
	onCancel := func(err error) {
		p.requestEvent(s, endpoint, log.RequestAbandoned, false, err.Error())
		results <- result{err: err}
	}

	p.writeMu.Lock()
	id := p.registry.once(endpoint, s.id, onResponse, onCancel)
	p.requestEvent(s, endpoint, log.RequestRegistered, false, "")
	err := p.write(s, endpoint, message)
	p.writeMu.Unlock()

	if err != nil {
		p.registry.StopReceiving(endpoint, id)
		return nil, err
	}

	p.metrics.requestStarted()
	defer p.metrics.requestFinished()

	var timeout <-chan time.Time
	if p.config.RequestTimeout > 0 {
		timer := time.NewTimer(p.config.RequestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	done := s.done
	for {
		select {
		case r := <-results:
			return r.value, r.err
		case <-done:
			// Still registered means the session ended before it could
			// see the entry; otherwise a result is on its way.
			if p.registry.StopReceiving(endpoint, id) {
				return nil, sessionOutcome(s)
			}
			done = nil
		case <-ctx.Done():
			p.abandon(s, endpoint, id, ctx.Err().Error())
			return nil, ctx.Err()
		case <-timeout:
			p.abandon(s, endpoint, id, "timeout")
			return nil, fmt.Errorf("%w after %s on endpoint %d", ErrRequestTimeout, p.config.RequestTimeout, endpoint)
		}
	}
}

// sessionOutcome is the error handed to requests cut off by the end of s.
func sessionOutcome(s *session) error {
	if err := s.err(); err != nil {
		return err
	}
	return ErrNotConnected
}

// abandon removes an unanswered one-shot. Nothing is recorded if a frame
// already claimed it.
func (p *Protocol) abandon(s *session, endpoint uint16, id HandlerID, reason string) {
	if p.registry.StopReceiving(endpoint, id) {
		p.requestEvent(s, endpoint, log.RequestAbandoned, false, reason)
	}
}

func (p *Protocol) requestEvent(s *session, endpoint uint16, phase log.RequestPhase, async bool, reason string) {
	p.capture(log.Event{
		ConnectionID: s.id,
		Category:     log.CategoryRequest,
		Target:       s.target,
		Request: &log.RequestEvent{
			Endpoint: endpoint,
			Phase:    phase,
			Async:    async,
			Reason:   reason,
		},
	})
}
