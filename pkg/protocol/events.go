package protocol

import (
	"sync"

	"github.com/pebble-protocol/pebble-go/pkg/event"
)

// EventHandler receives decoded events for a tag.
type EventHandler func(ev event.Event)

type eventSub struct {
	id HandlerID
	fn EventHandler
}

// eventHandlers is the tag to subscriber table behind OnEvent.
type eventHandlers struct {
	mu     sync.RWMutex
	nextID HandlerID
	byTag  map[string][]eventSub
}

func (e *eventHandlers) init() {
	e.byTag = make(map[string][]eventSub)
}

func (e *eventHandlers) add(tag string, fn EventHandler) HandlerID {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	e.byTag[tag] = append(e.byTag[tag], eventSub{id: e.nextID, fn: fn})
	return e.nextID
}

func (e *eventHandlers) remove(tag string, id HandlerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.byTag[tag]
	for i, sub := range subs {
		if sub.id == id {
			kept := make([]eventSub, 0, len(subs)-1)
			kept = append(kept, subs[:i]...)
			kept = append(kept, subs[i+1:]...)
			if len(kept) == 0 {
				delete(e.byTag, tag)
			} else {
				e.byTag[tag] = kept
			}
			return true
		}
	}
	return false
}

func (e *eventHandlers) has(tag string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byTag[tag]) > 0
}

func (e *eventHandlers) snapshot(tag string) []eventSub {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]eventSub(nil), e.byTag[tag]...)
}

// OnEvent calls fn for every decoded event with tag. Frames are decoded
// through the Decoders table; fn runs in its own goroutine.
func (p *Protocol) OnEvent(tag string, fn EventHandler) (HandlerID, error) {
	if p.activeSession() == nil {
		return 0, ErrNotConnected
	}
	return p.events.add(tag, fn), nil
}

// StopEvent removes an OnEvent subscription.
func (p *Protocol) StopEvent(tag string, id HandlerID) (bool, error) {
	if p.activeSession() == nil {
		return false, ErrNotConnected
	}
	return p.events.remove(tag, id), nil
}

func (p *Protocol) fireEvent(ev event.Event) {
	for _, sub := range p.events.snapshot(ev.Tag) {
		fn := sub.fn
		p.registry.run(ev.Endpoint, func() { fn(ev) })
	}
}
