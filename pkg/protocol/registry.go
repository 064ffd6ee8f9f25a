package protocol

import (
	"log/slog"
	"sync"
)

// HandlerID identifies a registered handler for later removal.
type HandlerID uint64

// Handler receives the payload of a frame on its endpoint.
// The payload is shared between handlers and must not be modified.
type Handler func(payload []byte)

// AnyHandler receives every dispatched frame.
type AnyHandler func(endpoint uint16, payload []byte)

// PanicFunc is called with the recovered value when a handler panics.
type PanicFunc func(endpoint uint16, recovered any)

type entry struct {
	id  HandlerID
	fn  Handler
	any AnyHandler

	// once entries are removed by the first frame that claims them.
	once bool

	// owner is the session that installed a one-shot; cancel is called
	// with the session's outcome if the entry is still unclaimed when
	// the session ends.
	owner  string
	cancel func(error)
}

// Registry maps endpoints to ordered handler lists.
// It is safe for concurrent use and usable on its own.
type Registry struct {
	mu         sync.Mutex
	nextID     HandlerID
	byEndpoint map[uint16][]*entry
	wildcard   []*entry

	onPanic PanicFunc
	wg      sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byEndpoint: make(map[uint16][]*entry),
	}
}

// SetPanicHandler replaces the handler-panic hook.
// By default panics are logged with slog.Default.
func (r *Registry) SetPanicHandler(fn PanicFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPanic = fn
}

// OnReceive appends h to the handlers of endpoint.
func (r *Registry) OnReceive(endpoint uint16, h Handler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.byEndpoint[endpoint] = append(r.byEndpoint[endpoint], &entry{id: r.nextID, fn: h})
	return r.nextID
}

// OnReceiveAny appends h to the wildcard handlers.
func (r *Registry) OnReceiveAny(h AnyHandler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.wildcard = append(r.wildcard, &entry{id: r.nextID, any: h})
	return r.nextID
}

// once installs a one-shot handler on endpoint owned by a session.
func (r *Registry) once(endpoint uint16, owner string, h Handler, cancel func(error)) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.byEndpoint[endpoint] = append(r.byEndpoint[endpoint], &entry{
		id:     r.nextID,
		fn:     h,
		once:   true,
		owner:  owner,
		cancel: cancel,
	})
	return r.nextID
}

// StopReceiving removes handler id from endpoint.
// It reports whether the handler was still registered.
func (r *Registry) StopReceiving(endpoint uint16, id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, removed := without(r.byEndpoint[endpoint], id)
	if len(list) == 0 {
		delete(r.byEndpoint, endpoint)
	} else {
		r.byEndpoint[endpoint] = list
	}
	return removed
}

// StopReceivingAny removes wildcard handler id.
// It reports whether the handler was still registered.
func (r *Registry) StopReceivingAny(id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed bool
	r.wildcard, removed = without(r.wildcard, id)
	return removed
}

// Len returns the number of handlers registered on endpoint.
func (r *Registry) Len(endpoint uint16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byEndpoint[endpoint])
}

// LenAny returns the number of wildcard handlers.
func (r *Registry) LenAny() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.wildcard)
}

// Dispatch schedules every wildcard handler and every handler of
// endpoint for one frame, and returns how many were scheduled.
//
// Persistent handlers all fire. Of the one-shot handlers, only the
// oldest is claimed, and it is removed before Dispatch returns.
func (r *Registry) Dispatch(endpoint uint16, payload []byte) int {
	r.mu.Lock()
	wild := append([]*entry(nil), r.wildcard...)

	list := r.byEndpoint[endpoint]
	targets := make([]*entry, 0, len(list))
	kept := list[:0:0]
	claimed := false
	for _, e := range list {
		if e.once {
			if claimed {
				kept = append(kept, e)
				continue
			}
			claimed = true
			targets = append(targets, e)
			continue
		}
		targets = append(targets, e)
		kept = append(kept, e)
	}
	if claimed {
		if len(kept) == 0 {
			delete(r.byEndpoint, endpoint)
		} else {
			r.byEndpoint[endpoint] = kept
		}
	}
	r.mu.Unlock()

	for _, e := range wild {
		fn := e.any
		r.run(endpoint, func() { fn(endpoint, payload) })
	}
	for _, e := range targets {
		fn := e.fn
		r.run(endpoint, func() { fn(payload) })
	}
	return len(wild) + len(targets)
}

// cancelOwned removes the unclaimed one-shots of owner and hands err
// to their cancel functions. It returns how many were cancelled.
func (r *Registry) cancelOwned(owner string, err error) int {
	r.mu.Lock()
	type cancelled struct {
		endpoint uint16
		fn       func(error)
	}
	var dropped []cancelled
	for ep, list := range r.byEndpoint {
		kept := list[:0:0]
		for _, e := range list {
			if e.once && e.owner == owner {
				if e.cancel != nil {
					dropped = append(dropped, cancelled{ep, e.cancel})
				}
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(r.byEndpoint, ep)
		} else {
			r.byEndpoint[ep] = kept
		}
	}
	r.mu.Unlock()

	for _, c := range dropped {
		fn := c.fn
		r.run(c.endpoint, func() { fn(err) })
	}
	return len(dropped)
}

// run invokes fn in its own goroutine and recovers a panic.
func (r *Registry) run(endpoint uint16, fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.panicked(endpoint, rec)
			}
		}()
		fn()
	}()
}

func (r *Registry) panicked(endpoint uint16, rec any) {
	r.mu.Lock()
	fn := r.onPanic
	r.mu.Unlock()

	if fn != nil {
		fn(endpoint, rec)
		return
	}
	slog.Default().Error("handler panicked", "endpoint", endpoint, "panic", rec)
}

// Wait blocks until every scheduled handler invocation has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// without returns list minus the entry with id.
func without(list []*entry, id HandlerID) ([]*entry, bool) {
	for i, e := range list {
		if e.id == id {
			out := make([]*entry, 0, len(list)-1)
			out = append(out, list[:i]...)
			out = append(out, list[i+1:]...)
			return out, true
		}
	}
	return list, false
}
