package event

import (
	"container/heap"
	"fmt"

	"margin_trader/internal/core"
)

// Handler consumes events dispatched by the bus. An error from a handler
// aborts the run.
type Handler interface {
	HandleEvent(sim *core.SimulationContext, ev Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(sim *core.SimulationContext, ev Event) error

func (f HandlerFunc) HandleEvent(sim *core.SimulationContext, ev Event) error {
	return f(sim, ev)
}

// Publisher is the write side of the bus, handed to components that emit
// follow-up events.
type Publisher interface {
	Publish(ev Event)
}

// DispatchError wraps a handler failure with the event being dispatched so
// the caller can preserve it for post-mortem.
type DispatchError struct {
	Event Event
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s event for %s: %v", e.Event.Kind(), e.Event.Symbol(), e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type queueItem struct {
	ev  Event
	seq uint64
}

// eventQueue orders items by timestamp ascending, ties broken by publish
// order. Follow-up events published mid-bar share the bar timestamp, so in
// practice this degenerates to FIFO, but the invariant is enforced rather
// than assumed.
type eventQueue []queueItem

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	ti, tj := q[i].ev.Timestamp(), q[j].ev.Timestamp()
	if ti.Equal(tj) {
		return q[i].seq < q[j].seq
	}
	return ti.Before(tj)
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(queueItem)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Bus is the single-threaded event queue and dispatcher. Handlers registered
// for a kind are invoked in registration order; events are delivered at most
// once and discarded after dispatch.
type Bus struct {
	queue    eventQueue
	handlers map[Kind][]Handler
	seq      uint64
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers h for events of kind k.
func (b *Bus) Subscribe(k Kind, h Handler) {
	b.handlers[k] = append(b.handlers[k], h)
}

// Publish appends ev to the queue. Safe to call from within a handler;
// the event is dispatched after all currently queued events of equal or
// earlier timestamp.
func (b *Bus) Publish(ev Event) {
	heap.Push(&b.queue, queueItem{ev: ev, seq: b.seq})
	b.seq++
}

// Pending reports the number of queued events.
func (b *Bus) Pending() int { return b.queue.Len() }

// Drain dispatches queued events until the queue is empty. On handler error
// it stops immediately and returns a DispatchError; events already dispatched
// are not replayed.
func (b *Bus) Drain(sim *core.SimulationContext) error {
	for b.queue.Len() > 0 {
		item := heap.Pop(&b.queue).(queueItem)
		for _, h := range b.handlers[item.ev.Kind()] {
			if err := h.HandleEvent(sim, item.ev); err != nil {
				return &DispatchError{Event: item.ev, Err: err}
			}
		}
	}
	return nil
}
