package protocol

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pebble-protocol/pebble-go/pkg/log"
	"github.com/pebble-protocol/pebble-go/pkg/transport"
)

const waitTimeout = 2 * time.Second

// pipeConn is the host end of an in-memory serial line.
type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *pipeConn) Close() error {
	c.r.Close()
	c.w.Close()
	return nil
}

// fakeDevice is the watch end of the line. Frames written by the host show
// up on frames; send and sendRaw write towards the host.
type fakeDevice struct {
	t      *testing.T
	toHost *io.PipeWriter
	conn   *pipeConn
	frames chan transport.Frame
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()

	hostR, devW := io.Pipe()
	devR, hostW := io.Pipe()

	d := &fakeDevice{
		t:      t,
		toHost: devW,
		conn:   &pipeConn{r: hostR, w: hostW},
		frames: make(chan transport.Frame, 64),
	}

	go func() {
		reader := transport.NewFrameReader(devR)
		for {
			f, err := reader.ReadFrame()
			if err != nil {
				devR.Close()
				return
			}
			d.frames <- f
		}
	}()

	t.Cleanup(func() {
		devW.Close()
		d.conn.Close()
	})
	return d
}

func (d *fakeDevice) opener() transport.Opener {
	return transport.Stream(d.conn)
}

func (d *fakeDevice) send(endpoint uint16, payload []byte) {
	d.t.Helper()
	buf, err := transport.Encode(endpoint, payload)
	require.NoError(d.t, err)
	d.sendRaw(buf)
}

func (d *fakeDevice) sendRaw(b []byte) {
	d.t.Helper()
	_, err := d.toHost.Write(b)
	require.NoError(d.t, err)
}

// reply writes a frame from any goroutine, ignoring errors.
func (d *fakeDevice) reply(endpoint uint16, payload []byte) {
	if buf, err := transport.Encode(endpoint, payload); err == nil {
		d.toHost.Write(buf)
	}
}

// fail makes the host's next read return err.
func (d *fakeDevice) fail(err error) {
	d.toHost.CloseWithError(err)
}

// hangup makes every further host read return io.EOF.
func (d *fakeDevice) hangup() {
	d.toHost.Close()
}

func (d *fakeDevice) expectFrame() transport.Frame {
	d.t.Helper()
	select {
	case f := <-d.frames:
		return f
	case <-time.After(waitTimeout):
		d.t.Fatal("device received no frame")
		return transport.Frame{}
	}
}

// connected returns a connected Protocol talking to a fresh fake device.
func connected(t *testing.T, opts ...Option) (*Protocol, *fakeDevice) {
	t.Helper()
	d := newFakeDevice(t)
	p := New(d.opener(), opts...)
	require.NoError(t, p.Connect(context.Background()))
	t.Cleanup(func() {
		p.Disconnect()
		<-p.Done()
	})
	return p, d
}

func waitDone(t *testing.T, p *Protocol) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(waitTimeout):
		t.Fatal("receive loop did not finish")
	}
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

// mockOpener is a testify mock for transport.Opener.
type mockOpener struct {
	mock.Mock
}

func (m *mockOpener) Open(ctx context.Context) (transport.Transport, error) {
	args := m.Called(ctx)
	tr, _ := args.Get(0).(transport.Transport)
	return tr, args.Error(1)
}

// capturingLogger records capture events.
type capturingLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *capturingLogger) Log(ev log.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *capturingLogger) Events() []log.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]log.Event(nil), l.events...)
}

func (l *capturingLogger) count(match func(log.Event) bool) int {
	n := 0
	for _, ev := range l.Events() {
		if match(ev) {
			n++
		}
	}
	return n
}
