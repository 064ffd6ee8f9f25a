package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/pebble-protocol/pebble-go/pkg/event"
	"github.com/pebble-protocol/pebble-go/pkg/log"
	"github.com/pebble-protocol/pebble-go/pkg/transport"
)

// State is the connection state.
type State int

const (
	// StateDisconnected indicates no session; the receive loop is not running.
	StateDisconnected State = iota

	// StateConnected indicates an open transport and a running receive loop.
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Protocol is a client for one device. It is safe for concurrent use.
type Protocol struct {
	opener   transport.Opener
	config   Config
	registry *Registry
	decoders *event.Decoders
	metrics  *metrics

	// lifecycleMu serializes Connect and Disconnect.
	lifecycleMu sync.Mutex

	// mu guards sess, the current or most recent session.
	mu   sync.RWMutex
	sess *session

	// writeMu serializes frame writes together with one-shot registration.
	writeMu sync.Mutex

	events eventHandlers
}

// session is the state of one Connect..termination cycle.
type session struct {
	id     string
	target string
	conn   transport.Transport
	reader transport.FrameSource
	writer transport.FrameSink

	// active is true from Connect until Disconnect or a loop fault.
	active atomic.Bool

	// closing is closed by Disconnect to cut the idle delay short.
	closing   chan struct{}
	closeOnce sync.Once

	// done is closed when the receive loop has finished.
	done chan struct{}

	mu       sync.Mutex
	fault    error
	queue    *event.Queue
	finished bool
}

func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func (s *session) setFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}

func (s *session) stop() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// enableQueue turns on queue mode and returns the session queue.
func (s *session) enableQueue() *event.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue == nil {
		s.queue = event.NewQueue()
		if s.finished {
			s.queue.Close()
		}
	}
	return s.queue
}

func (s *session) currentQueue() *event.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// New creates a disconnected Protocol that uses opener on Connect.
func New(opener transport.Opener, opts ...Option) *Protocol {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.IdleDelay <= 0 {
		config.IdleDelay = DefaultIdleDelay
	}

	decoders := config.Decoders
	if decoders == nil {
		decoders = event.NewDecoders()
	}

	p := &Protocol{
		opener:   opener,
		config:   config,
		registry: NewRegistry(),
		decoders: decoders,
		metrics:  newMetrics(config.Registerer),
	}
	p.events.init()
	p.registry.SetPanicHandler(p.handlerPanicked)
	return p
}

// Open connects, runs fn and always disconnects afterwards.
// A fault that ended the session while fn ran is returned too.
func Open(ctx context.Context, opener transport.Opener, fn func(*Protocol) error, opts ...Option) error {
	p := New(opener, opts...)
	if err := p.Connect(ctx); err != nil {
		return err
	}

	err := fn(p)

	if derr := p.Disconnect(); derr != nil && !errors.Is(derr, ErrNotConnected) {
		err = multierr.Append(err, derr)
	}
	if fault := p.Err(); fault != nil && !errors.Is(err, fault) {
		err = multierr.Append(err, fault)
	}
	return err
}

// Registry returns the handler registry.
func (p *Protocol) Registry() *Registry {
	return p.registry
}

// Decoders returns the event decoder table.
func (p *Protocol) Decoders() *event.Decoders {
	return p.decoders
}

// State returns the current connection state.
func (p *Protocol) State() State {
	if p.activeSession() != nil {
		return StateConnected
	}
	return StateDisconnected
}

// Connect opens the transport and starts the receive loop.
func (p *Protocol) Connect(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.activeSession() != nil {
		return ErrAlreadyConnected
	}
	if p.opener == nil {
		return fmt.Errorf("%w: no opener", ErrTransportUnavailable)
	}

	conn, err := p.opener(ctx)
	if err != nil {
		p.debugLog("Connect: open failed", "error", err)
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	if conn == nil {
		return fmt.Errorf("%w: opener returned no transport", ErrTransportUnavailable)
	}

	s := &session{
		id:      uuid.NewString(),
		target:  p.config.Target,
		conn:    conn,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if named, ok := conn.(transport.Named); ok && named.Target() != "" {
		s.target = named.Target()
	}

	reader := transport.NewFrameReader(conn)
	writer := transport.NewFrameWriter(conn)
	if p.config.ProtocolLogger != nil {
		reader.SetLogger(p.config.ProtocolLogger, s.id, s.target)
		writer.SetLogger(p.config.ProtocolLogger, s.id, s.target)
	}
	s.reader = reader
	s.writer = writer
	s.active.Store(true)

	p.mu.Lock()
	p.sess = s
	p.mu.Unlock()

	p.debugLog("Connect: connected", "conn_id", s.id, "target", s.target)
	p.stateChanged(s, StateDisconnected, StateConnected, "connect")

	go p.receiveLoop(s)
	return nil
}

// Disconnect marks the session disconnected and closes the transport.
// It does not wait for the receive loop; use Done for that.
func (p *Protocol) Disconnect() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	s := p.currentSession()
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return ErrNotConnected
	}

	s.stop()
	if err := s.conn.Close(); err != nil {
		p.debugLog("Disconnect: close failed", "conn_id", s.id, "error", err)
	}

	p.debugLog("Disconnect: disconnected", "conn_id", s.id)
	p.stateChanged(s, StateConnected, StateDisconnected, "disconnect requested")
	return nil
}

// Done returns a channel closed when the current session's receive loop
// has finished. Without any session it returns a closed channel.
func (p *Protocol) Done() <-chan struct{} {
	if s := p.currentSession(); s != nil {
		return s.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Err returns the fault that ended the most recent session, or nil if it
// is still running or ended by Disconnect.
func (p *Protocol) Err() error {
	if s := p.currentSession(); s != nil {
		return s.err()
	}
	return nil
}

// ListenForMessages waits for the receive loop when synchronous is true
// and returns its fault (nil after Disconnect). Otherwise it turns
// on queue mode and returns immediately; decoded events are then pushed
// to Queue.
func (p *Protocol) ListenForMessages(ctx context.Context, synchronous bool) error {
	s := p.activeSession()
	if s == nil {
		return ErrNotConnected
	}

	if !synchronous {
		s.enableQueue()
		return nil
	}

	select {
	case <-s.done:
		return s.err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen blocks until the receive loop ends.
func (p *Protocol) Listen(ctx context.Context) error {
	return p.ListenForMessages(ctx, true)
}

// ListenQueued turns on queue mode and returns the session queue.
// The queue is closed when the session ends.
func (p *Protocol) ListenQueued() (*event.Queue, error) {
	s := p.activeSession()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s.enableQueue(), nil
}

// Queue returns the current session queue, or nil if queue mode is off.
func (p *Protocol) Queue() *event.Queue {
	if s := p.currentSession(); s != nil {
		return s.currentQueue()
	}
	return nil
}

// OnReceive registers h for frames on endpoint.
func (p *Protocol) OnReceive(endpoint uint16, h Handler) (HandlerID, error) {
	if p.activeSession() == nil {
		return 0, ErrNotConnected
	}
	return p.registry.OnReceive(endpoint, h), nil
}

// OnReceiveAny registers h for every frame.
func (p *Protocol) OnReceiveAny(h AnyHandler) (HandlerID, error) {
	if p.activeSession() == nil {
		return 0, ErrNotConnected
	}
	return p.registry.OnReceiveAny(h), nil
}

// StopReceiving removes handler id from endpoint.
func (p *Protocol) StopReceiving(endpoint uint16, id HandlerID) (bool, error) {
	if p.activeSession() == nil {
		return false, ErrNotConnected
	}
	return p.registry.StopReceiving(endpoint, id), nil
}

// StopReceivingAny removes wildcard handler id.
func (p *Protocol) StopReceivingAny(id HandlerID) (bool, error) {
	if p.activeSession() == nil {
		return false, ErrNotConnected
	}
	return p.registry.StopReceivingAny(id), nil
}

// Wait blocks until every handler invocation scheduled so far has returned.
func (p *Protocol) Wait() {
	p.registry.Wait()
}

func (p *Protocol) currentSession() *session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sess
}

func (p *Protocol) activeSession() *session {
	s := p.currentSession()
	if s == nil || !s.active.Load() {
		return nil
	}
	return s
}

func (p *Protocol) stateChanged(s *session, from, to State, reason string) {
	if p.config.ProtocolLogger != nil {
		p.config.ProtocolLogger.Log(log.Event{
			Timestamp:    time.Now(),
			ConnectionID: s.id,
			Layer:        log.LayerProtocol,
			Category:     log.CategoryState,
			Target:       s.target,
			StateChange: &log.StateChangeEvent{
				OldState: from.String(),
				NewState: to.String(),
				Reason:   reason,
			},
		})
	}
	if p.config.OnStateChange != nil {
		p.config.OnStateChange(from, to)
	}
}

func (p *Protocol) capture(ev log.Event) {
	if p.config.ProtocolLogger == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.Layer = log.LayerProtocol
	p.config.ProtocolLogger.Log(ev)
}

func (p *Protocol) handlerPanicked(endpoint uint16, recovered any) {
	p.metrics.handlerPanic()
	if p.config.Logger != nil {
		p.config.Logger.Error("handler panicked", "endpoint", endpoint, "panic", recovered)
	}
	p.capture(log.Event{
		Category: log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerProtocol,
			Message: fmt.Sprint(recovered),
			Context: fmt.Sprintf("handler on endpoint %d", endpoint),
		},
	})
}

// debugLog logs a debug message if logging is enabled.
func (p *Protocol) debugLog(msg string, args ...any) {
	if p.config.Logger != nil {
		p.config.Logger.Debug(msg, args...)
	}
}
