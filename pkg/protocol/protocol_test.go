package protocol

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pebble-protocol/pebble-go/pkg/event"
	"github.com/pebble-protocol/pebble-go/pkg/log"
	"github.com/pebble-protocol/pebble-go/pkg/transport"
)

func asString(payload []byte) (any, error) {
	return string(payload), nil
}

type response struct {
	value any
	err   error
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "UNKNOWN", State(7).String())
}

func TestOperationsFailBeforeConnect(t *testing.T) {
	p := New(newFakeDevice(t).opener())
	ctx := context.Background()

	assert.Equal(t, StateDisconnected, p.State())
	assert.ErrorIs(t, p.Send(10, []byte("PING")), ErrNotConnected)
	_, err := p.Request(ctx, 10, nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, p.RequestAsync(10, nil, nil, nil), ErrNotConnected)
	_, err = p.OnReceive(10, func([]byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = p.OnReceiveAny(func(uint16, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = p.StopReceiving(10, 1)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = p.StopReceivingAny(1)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = p.OnEvent("media_control", func(event.Event) {})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, p.ListenForMessages(ctx, true), ErrNotConnected)
	_, err = p.ListenQueued()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, p.Disconnect(), ErrNotConnected)

	select {
	case <-p.Done():
	default:
		t.Error("Done must be closed without a session")
	}
	assert.Nil(t, p.Queue())
	assert.NoError(t, p.Err())
}

func TestConnectDisconnectLifecycle(t *testing.T) {
	d := newFakeDevice(t)
	p := New(d.opener())

	require.NoError(t, p.Connect(context.Background()))
	assert.Equal(t, StateConnected, p.State())
	assert.ErrorIs(t, p.Connect(context.Background()), ErrAlreadyConnected)

	require.NoError(t, p.Disconnect())
	assert.Equal(t, StateDisconnected, p.State())
	assert.ErrorIs(t, p.Disconnect(), ErrNotConnected)
	assert.ErrorIs(t, p.Send(10, nil), ErrNotConnected)

	waitDone(t, p)
	assert.NoError(t, p.Err())
}

func TestConnectTransportUnavailable(t *testing.T) {
	boom := errors.New("no such device")
	m := &mockOpener{}
	m.On("Open", mock.Anything).Return(nil, boom).Once()
	m.On("Open", mock.Anything).Return(nil, nil).Once()

	p := New(m.Open)

	err := p.Connect(context.Background())
	assert.ErrorIs(t, err, ErrTransportUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateDisconnected, p.State())

	err = p.Connect(context.Background())
	assert.ErrorIs(t, err, ErrTransportUnavailable)

	assert.ErrorIs(t, New(nil).Connect(context.Background()), ErrTransportUnavailable)
	m.AssertExpectations(t)
}

func TestReconnectUsesFreshSession(t *testing.T) {
	d1 := newFakeDevice(t)
	d2 := newFakeDevice(t)
	m := &mockOpener{}
	m.On("Open", mock.Anything).Return(d1.conn, nil).Once()
	m.On("Open", mock.Anything).Return(d2.conn, nil).Once()

	p := New(m.Open)
	require.NoError(t, p.Connect(context.Background()))
	first := p.Done()
	require.NoError(t, p.Disconnect())
	waitDone(t, p)

	require.NoError(t, p.Connect(context.Background()))
	t.Cleanup(func() { p.Disconnect() })

	assert.NotEqual(t, first, p.Done())
	require.NoError(t, p.Send(7, []byte("again")))
	f := d2.expectFrame()
	assert.Equal(t, uint16(7), f.Endpoint)
	m.AssertExpectations(t)
}

func TestSendWritesFrame(t *testing.T) {
	p, d := connected(t)

	require.NoError(t, p.Send(10, []byte("PING")))
	f := d.expectFrame()
	assert.Equal(t, uint16(10), f.Endpoint)
	assert.Equal(t, []byte("PING"), f.Payload)

	require.NoError(t, p.Send(11, nil))
	f = d.expectFrame()
	assert.Equal(t, uint16(11), f.Endpoint)
	assert.Empty(t, f.Payload)
}

func TestSendConcurrent(t *testing.T) {
	p, d := connected(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(ep uint16) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				assert.NoError(t, p.Send(ep, []byte{byte(ep), byte(ep), byte(ep)}))
			}
		}(uint16(g + 1))
	}
	wg.Wait()

	for i := 0; i < 40; i++ {
		f := d.expectFrame()
		assert.Equal(t, []byte{byte(f.Endpoint), byte(f.Endpoint), byte(f.Endpoint)}, f.Payload)
	}
}

func TestHeartbeatNeverDelivered(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, d := connected(t, WithMetrics(reg))

	seen := make(chan uint16, 8)
	_, err := p.OnReceiveAny(func(endpoint uint16, _ []byte) { seen <- endpoint })
	require.NoError(t, err)
	_, err = p.OnReceive(0, func([]byte) { seen <- 0xFFFF })
	require.NoError(t, err)

	d.send(0, []byte{1, 2, 3})
	d.send(0, nil)
	d.send(5, []byte("after"))

	assert.Equal(t, uint16(5), receive(t, seen))
	p.Wait()
	assert.Empty(t, seen)
	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.heartbeats))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.framesReceived.WithLabelValues("5")))
}

func TestEndpointAndWildcardDelivery(t *testing.T) {
	p, d := connected(t)

	type delivery struct {
		endpoint uint16
		payload  string
	}
	onEndpoint := make(chan string, 4)
	onAny := make(chan delivery, 4)

	_, err := p.OnReceive(20, func(payload []byte) { onEndpoint <- string(payload) })
	require.NoError(t, err)
	_, err = p.OnReceiveAny(func(endpoint uint16, payload []byte) { onAny <- delivery{endpoint, string(payload)} })
	require.NoError(t, err)

	d.send(21, []byte("other"))
	d.send(20, []byte("mine"))

	assert.Equal(t, "mine", receive(t, onEndpoint))
	got := []delivery{receive(t, onAny), receive(t, onAny)}
	assert.ElementsMatch(t, []delivery{{21, "other"}, {20, "mine"}}, got)
	p.Wait()
	assert.Empty(t, onEndpoint)
}

func TestStopReceiving(t *testing.T) {
	p, d := connected(t)

	hits := make(chan string, 4)
	id, err := p.OnReceive(20, func([]byte) { hits <- "endpoint" })
	require.NoError(t, err)
	anyID, err := p.OnReceiveAny(func(uint16, []byte) { hits <- "any" })
	require.NoError(t, err)

	removed, err := p.StopReceiving(20, id)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = p.StopReceiving(20, id)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = p.StopReceivingAny(anyID)
	require.NoError(t, err)
	assert.True(t, removed)

	marker := make(chan struct{}, 1)
	_, err = p.OnReceive(21, func([]byte) { marker <- struct{}{} })
	require.NoError(t, err)

	d.send(20, []byte("x"))
	d.send(21, []byte("y"))
	receive(t, marker)
	p.Wait()
	assert.Empty(t, hits)
}

func TestRequestReturnsParsedResponse(t *testing.T) {
	p, d := connected(t)

	go func() {
		f := <-d.frames
		d.reply(f.Endpoint, append([]byte("re:"), f.Payload...))
	}()

	v, err := p.Request(context.Background(), 17, []byte("version"), asString)
	require.NoError(t, err)
	assert.Equal(t, "re:version", v)
	assert.Equal(t, 0, p.Registry().Len(17))
}

func TestRequestNilParserReturnsPayload(t *testing.T) {
	p, d := connected(t)

	go func() {
		f := <-d.frames
		d.reply(f.Endpoint, []byte{0xCA, 0xFE})
	}()

	v, err := p.Request(context.Background(), 17, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0xFE}, v)
}

func TestRequestParserError(t *testing.T) {
	p, d := connected(t)
	bad := errors.New("bad response")

	go func() {
		f := <-d.frames
		d.reply(f.Endpoint, []byte("?"))
	}()

	_, err := p.Request(context.Background(), 17, nil, func([]byte) (any, error) { return nil, bad })
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, StateConnected, p.State())
}

func TestRequestParserPanicReturnsError(t *testing.T) {
	p, d := connected(t)

	go func() {
		f := <-d.frames
		d.reply(f.Endpoint, []byte("?"))
	}()

	done := make(chan response, 1)
	go func() {
		v, err := p.Request(context.Background(), 17, nil, func([]byte) (any, error) { panic("parser exploded") })
		done <- response{v, err}
	}()

	r := receive(t, done)
	assert.ErrorIs(t, r.err, ErrParserPanicked)
	assert.Contains(t, r.err.Error(), "parser exploded")
	assert.Nil(t, r.value)
	assert.Equal(t, StateConnected, p.State())
}

func TestRequestAsyncParserPanicReachesHandler(t *testing.T) {
	p, d := connected(t)

	results := make(chan response, 1)
	require.NoError(t, p.RequestAsync(17, nil, func([]byte) (any, error) { panic("parser exploded") }, func(v any, err error) {
		results <- response{v, err}
	}))
	d.expectFrame()
	d.send(17, []byte("?"))

	r := receive(t, results)
	assert.ErrorIs(t, r.err, ErrParserPanicked)
	assert.Nil(t, r.value)
}

func TestConcurrentRequestsAnsweredInOrder(t *testing.T) {
	p, d := connected(t)
	ctx := context.Background()

	first := make(chan response, 1)
	go func() {
		v, err := p.Request(ctx, 17, []byte("a"), asString)
		first <- response{v, err}
	}()
	assert.Equal(t, []byte("a"), d.expectFrame().Payload)

	second := make(chan response, 1)
	go func() {
		v, err := p.Request(ctx, 17, []byte("b"), asString)
		second <- response{v, err}
	}()
	assert.Equal(t, []byte("b"), d.expectFrame().Payload)
	assert.Equal(t, 2, p.Registry().Len(17))

	d.send(17, []byte("1"))
	d.send(17, []byte("2"))

	r1 := receive(t, first)
	r2 := receive(t, second)
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, "1", r1.value)
	assert.Equal(t, "2", r2.value)
	assert.Equal(t, 0, p.Registry().Len(17))
}

func TestRequestTimeout(t *testing.T) {
	p, d := connected(t, WithRequestTimeout(30*time.Millisecond))

	_, err := p.Request(context.Background(), 17, []byte("hello?"), asString)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	d.expectFrame()
	assert.Equal(t, 0, p.Registry().Len(17))

	late := make(chan string, 1)
	_, err = p.OnReceive(17, func(payload []byte) { late <- string(payload) })
	require.NoError(t, err)
	d.send(17, []byte("late"))
	assert.Equal(t, "late", receive(t, late))
}

func TestAbandonSkipsClaimedRequest(t *testing.T) {
	capture := &capturingLogger{}
	p, _ := connected(t, WithProtocolLogger(capture))
	s := p.currentSession()
	require.NotNil(t, s)

	abandoned := func(ev log.Event) bool {
		return ev.Request != nil && ev.Request.Phase == log.RequestAbandoned
	}

	claimed := p.registry.once(17, s.id, func([]byte) {}, nil)
	require.Equal(t, 1, p.registry.Dispatch(17, []byte("x")))
	p.abandon(s, 17, claimed, "context canceled")
	assert.Equal(t, 0, capture.count(abandoned))

	pending := p.registry.once(17, s.id, func([]byte) {}, nil)
	p.abandon(s, 17, pending, "context canceled")
	assert.Equal(t, 1, capture.count(abandoned))
	assert.Equal(t, 0, p.registry.Len(17))
	p.Wait()
}

func TestRequestContextCancelled(t *testing.T) {
	p, d := connected(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.Request(ctx, 17, nil, asString)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	d.expectFrame()
	assert.Equal(t, 0, p.Registry().Len(17))
}

func TestRequestFailsWhenConnectionLost(t *testing.T) {
	p, d := connected(t)
	boom := errors.New("device unplugged")

	results := make(chan response, 1)
	go func() {
		v, err := p.Request(context.Background(), 17, nil, asString)
		results <- response{v, err}
	}()
	d.expectFrame()
	d.fail(boom)

	r := receive(t, results)
	assert.ErrorIs(t, r.err, ErrLostConnection)
	assert.ErrorIs(t, r.err, boom)
}

func TestRequestFailsOnDisconnect(t *testing.T) {
	p, d := connected(t)

	results := make(chan response, 1)
	go func() {
		v, err := p.Request(context.Background(), 17, nil, asString)
		results <- response{v, err}
	}()
	d.expectFrame()
	require.NoError(t, p.Disconnect())

	r := receive(t, results)
	assert.ErrorIs(t, r.err, ErrNotConnected)
}

func TestRequestAsync(t *testing.T) {
	p, d := connected(t)

	results := make(chan response, 1)
	err := p.RequestAsync(17, []byte("ping"), asString, func(v any, err error) {
		results <- response{v, err}
	})
	require.NoError(t, err)

	f := d.expectFrame()
	assert.Equal(t, []byte("ping"), f.Payload)
	d.send(17, []byte("pong"))

	r := receive(t, results)
	require.NoError(t, r.err)
	assert.Equal(t, "pong", r.value)
	p.Wait()
	assert.Equal(t, 0, p.Registry().Len(17))
}

func TestRequestAsyncCancelledOnDisconnect(t *testing.T) {
	p, d := connected(t)

	results := make(chan response, 1)
	require.NoError(t, p.RequestAsync(17, nil, asString, func(v any, err error) {
		results <- response{v, err}
	}))
	d.expectFrame()
	require.NoError(t, p.Disconnect())

	r := receive(t, results)
	assert.ErrorIs(t, r.err, ErrNotConnected)
	assert.Nil(t, r.value)
}

func TestMalformedHeaderEndsSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, d := connected(t, WithMetrics(reg))

	var hits atomic.Int32
	_, err := p.OnReceiveAny(func(uint16, []byte) { hits.Add(1) })
	require.NoError(t, err)

	d.sendRaw([]byte{0x00, 0x04})
	d.hangup()

	waitDone(t, p)
	assert.ErrorIs(t, p.Err(), ErrMalformedResponse)
	assert.NotErrorIs(t, p.Err(), ErrLostConnection)
	assert.Equal(t, StateDisconnected, p.State())
	p.Wait()
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.faults.WithLabelValues(faultMalformedResponse)))
}

func TestMidReadFailureLosesConnectionOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	capture := &capturingLogger{}

	var mu sync.Mutex
	var transitions []string
	p, d := connected(t,
		WithMetrics(reg),
		WithProtocolLogger(capture),
		WithStateHandler(func(from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, from.String()+">"+to.String())
		}),
	)

	var hits atomic.Int32
	_, err := p.OnReceiveAny(func(uint16, []byte) { hits.Add(1) })
	require.NoError(t, err)

	boom := errors.New("device unplugged")
	d.sendRaw([]byte{0x00, 0x0A, 0x00, 0x14, 'a', 'b', 'c'})
	d.fail(boom)

	waitDone(t, p)
	assert.ErrorIs(t, p.Err(), ErrLostConnection)
	assert.ErrorIs(t, p.Err(), boom)
	assert.Equal(t, StateDisconnected, p.State())
	assert.ErrorIs(t, p.Disconnect(), ErrNotConnected)
	assert.ErrorIs(t, p.Listen(context.Background()), ErrNotConnected)

	mu.Lock()
	assert.Equal(t, []string{"DISCONNECTED>CONNECTED", "CONNECTED>DISCONNECTED"}, transitions)
	mu.Unlock()

	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.faults.WithLabelValues(faultLostConnection)))
	assert.Equal(t, 1, capture.count(func(ev log.Event) bool { return ev.Category == log.CategoryError }))
	p.Wait()
	assert.Equal(t, int32(0), hits.Load())
}

func TestDisconnectIsQuiet(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, _ := connected(t, WithMetrics(reg))

	require.NoError(t, p.Disconnect())
	waitDone(t, p)
	assert.NoError(t, p.Err())
	assert.Equal(t, 0, testutil.CollectAndCount(p.metrics.faults))
}

func TestEmptyReadsKeepSessionAlive(t *testing.T) {
	p, d := connected(t, WithIdleDelay(5*time.Millisecond))

	d.hangup()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnected, p.State())

	require.NoError(t, p.Disconnect())
	waitDone(t, p)
	assert.NoError(t, p.Err())
}

func TestListenReturnsOnDisconnect(t *testing.T) {
	p, _ := connected(t)

	done := make(chan error, 1)
	go func() { done <- p.Listen(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Disconnect())
	assert.NoError(t, receive(t, done))
}

func TestListenReturnsFault(t *testing.T) {
	p, d := connected(t)

	done := make(chan error, 1)
	go func() { done <- p.ListenForMessages(context.Background(), true) }()

	time.Sleep(10 * time.Millisecond)
	d.fail(errors.New("gone"))
	assert.ErrorIs(t, receive(t, done), ErrLostConnection)
}

func TestListenContext(t *testing.T) {
	p, _ := connected(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Listen(ctx), context.Canceled)
	assert.Equal(t, StateConnected, p.State())
}

func mediaDecoders(t *testing.T) *event.Decoders {
	t.Helper()
	d := event.NewDecoders()
	require.NoError(t, d.Register(32, event.Decoder{
		Tag: "media_control",
		Parse: func(payload []byte) (any, error) {
			if len(payload) != 1 {
				return nil, errors.New("want 1 byte")
			}
			return payload[0], nil
		},
	}))
	return d
}

func TestListenQueued(t *testing.T) {
	p, d := connected(t, WithDecoders(mediaDecoders(t)))

	q, err := p.ListenQueued()
	require.NoError(t, err)
	assert.Same(t, q, p.Queue())

	d.send(99, []byte("raw only"))
	d.send(32, []byte{1, 2})
	d.send(32, []byte{4})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ev, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "media_control", ev.Tag)
	assert.Equal(t, uint16(32), ev.Endpoint)
	assert.Equal(t, byte(4), ev.Value)
	assert.Equal(t, 0, q.Len())

	require.NoError(t, p.Disconnect())
	waitDone(t, p)
	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, event.ErrQueueClosed)
}

func TestListenAsyncEnablesQueue(t *testing.T) {
	p, d := connected(t, WithDecoders(mediaDecoders(t)))

	assert.Nil(t, p.Queue())
	require.NoError(t, p.ListenForMessages(context.Background(), false))
	q := p.Queue()
	require.NotNil(t, q)

	raw := make(chan []byte, 1)
	_, err := p.OnReceive(32, func(payload []byte) { raw <- payload })
	require.NoError(t, err)

	d.send(32, []byte{3})
	assert.Equal(t, []byte{3}, receive(t, raw))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	ev, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, byte(3), ev.Value)
}

func TestOnEvent(t *testing.T) {
	p, d := connected(t, WithDecoders(mediaDecoders(t)))

	events := make(chan event.Event, 2)
	id, err := p.OnEvent("media_control", func(ev event.Event) { events <- ev })
	require.NoError(t, err)

	d.send(32, []byte{2})
	ev := receive(t, events)
	assert.Equal(t, "media_control", ev.Tag)
	assert.Equal(t, byte(2), ev.Value)

	removed, err := p.StopEvent("media_control", id)
	require.NoError(t, err)
	assert.True(t, removed)

	marker := make(chan struct{}, 1)
	_, err = p.OnReceive(32, func([]byte) { marker <- struct{}{} })
	require.NoError(t, err)
	d.send(32, []byte{5})
	receive(t, marker)
	p.Wait()
	assert.Empty(t, events)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, d := connected(t,
		WithMetrics(reg),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	ok := make(chan string, 1)
	_, err := p.OnReceive(5, func([]byte) { panic("handler bug") })
	require.NoError(t, err)
	_, err = p.OnReceive(5, func(payload []byte) { ok <- string(payload) })
	require.NoError(t, err)

	d.send(5, []byte("still delivered"))
	assert.Equal(t, "still delivered", receive(t, ok))
	p.Wait()
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.handlerPanics))
	assert.Equal(t, StateConnected, p.State())
}

type namedConn struct {
	*pipeConn
	name string
}

func (c namedConn) Target() string { return c.name }

func TestNamedTransportSuppliesTarget(t *testing.T) {
	d := newFakeDevice(t)
	capture := &capturingLogger{}
	p := New(transport.Stream(namedConn{pipeConn: d.conn, name: "/dev/rfcomm0"}),
		WithProtocolLogger(capture), WithTarget("configured"))
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.Send(10, []byte("PING")))
	d.expectFrame()
	require.NoError(t, p.Disconnect())
	waitDone(t, p)

	events := capture.Events()
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, "/dev/rfcomm0", ev.Target)
	}
}

func TestCaptureEvents(t *testing.T) {
	capture := &capturingLogger{}
	p, d := connected(t, WithProtocolLogger(capture), WithTarget("test-line"))

	require.NoError(t, p.Send(10, []byte("PING")))
	d.expectFrame()

	got := make(chan struct{}, 1)
	_, err := p.OnReceive(11, func([]byte) { got <- struct{}{} })
	require.NoError(t, err)
	d.send(11, []byte("x"))
	receive(t, got)

	require.NoError(t, p.Disconnect())
	waitDone(t, p)

	events := capture.Events()
	require.NotEmpty(t, events)
	connID := events[0].ConnectionID
	_, err = uuid.Parse(connID)
	require.NoError(t, err)
	for _, ev := range events {
		assert.Equal(t, connID, ev.ConnectionID)
		assert.Equal(t, "test-line", ev.Target)
	}

	assert.Equal(t, 1, capture.count(func(ev log.Event) bool {
		return ev.Frame != nil && ev.Direction == log.DirectionOut && ev.Frame.Endpoint == 10
	}))
	assert.Equal(t, 1, capture.count(func(ev log.Event) bool {
		return ev.Frame != nil && ev.Direction == log.DirectionIn && ev.Frame.Endpoint == 11
	}))
	assert.Equal(t, 1, capture.count(func(ev log.Event) bool {
		return ev.StateChange != nil && ev.StateChange.NewState == "CONNECTED"
	}))
	assert.Equal(t, 1, capture.count(func(ev log.Event) bool {
		return ev.StateChange != nil && ev.StateChange.Reason == "disconnect requested"
	}))
}

func TestOpen(t *testing.T) {
	d := newFakeDevice(t)

	var inside *Protocol
	err := Open(context.Background(), d.opener(), func(p *Protocol) error {
		inside = p
		return p.Send(10, []byte("PING"))
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("PING"), d.expectFrame().Payload)
	assert.Equal(t, StateDisconnected, inside.State())
}

func TestOpenReturnsCallbackError(t *testing.T) {
	d := newFakeDevice(t)
	fnErr := errors.New("callback failed")

	var inside *Protocol
	err := Open(context.Background(), d.opener(), func(p *Protocol) error {
		inside = p
		return fnErr
	})
	assert.ErrorIs(t, err, fnErr)
	assert.Equal(t, StateDisconnected, inside.State())
}

func TestOpenReportsFault(t *testing.T) {
	d := newFakeDevice(t)
	boom := errors.New("device unplugged")

	err := Open(context.Background(), d.opener(), func(p *Protocol) error {
		d.fail(boom)
		<-p.Done()
		return nil
	})
	assert.ErrorIs(t, err, ErrLostConnection)
	assert.ErrorIs(t, err, boom)
}

func TestOpenTransportUnavailable(t *testing.T) {
	boom := errors.New("busy")
	m := &mockOpener{}
	m.On("Open", mock.Anything).Return(nil, boom).Once()

	called := false
	err := Open(context.Background(), m.Open, func(*Protocol) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrTransportUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.False(t, called)
	m.AssertExpectations(t)
}
