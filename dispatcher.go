package convsync

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Handler receives dispatched events.
type Handler func(Event)

// Dispatcher is a typed publish/subscribe bus. Handlers run synchronously
// on the dispatching goroutine, in registration order.
//
// The handler list is copied at the start of every Dispatch, and each
// subscription's active flag is checked right before its handler runs. A
// handler unsubscribed while a dispatch is in flight is therefore skipped
// for the rest of that dispatch and never called again.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[EventType][]*Subscription

	logger  zerolog.Logger
	metrics *Metrics
}

// Subscription is the token returned by Subscribe.
type Subscription struct {
	d         *Dispatcher
	eventType EventType
	handler   Handler
	active    atomic.Bool
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	o := buildOptions(opts)
	return &Dispatcher{
		handlers: make(map[EventType][]*Subscription),
		logger:   o.componentLogger("dispatcher"),
		metrics:  o.metrics,
	}
}

// Subscribe registers h for events of type t.
func (d *Dispatcher) Subscribe(t EventType, h Handler) *Subscription {
	s := &Subscription{d: d, eventType: t, handler: h}
	s.active.Store(true)

	d.mu.Lock()
	d.handlers[t] = append(d.handlers[t], s)
	d.mu.Unlock()
	return s
}

// On registers a handler typed to one concrete event struct. RawEvent has
// no fixed tag; subscribe to unknown types with Subscribe instead.
func On[E Event](d *Dispatcher, h func(E)) *Subscription {
	var zero E
	t := zero.EventType()
	if t == "" {
		panic("convsync: On needs an event with a fixed type; use Subscribe")
	}
	return d.Subscribe(t, func(ev Event) {
		if e, ok := ev.(E); ok {
			h(e)
		}
	})
}

// Dispatch delivers ev to every active handler for its type. A panicking
// handler is logged and does not stop the remaining handlers.
func (d *Dispatcher) Dispatch(ev Event) {
	t := ev.EventType()

	d.mu.Lock()
	subs := append([]*Subscription(nil), d.handlers[t]...)
	d.mu.Unlock()

	d.metrics.dispatched(t)
	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		d.invoke(s, ev)
	}
}

func (d *Dispatcher) invoke(s *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.handlerPanicked()
			d.logger.Warn().
				Str("event_type", string(s.eventType)).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	s.handler(ev)
}

// HandlerCount returns the number of active handlers for t.
func (d *Dispatcher) HandlerCount(t EventType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers[t])
}

// Unsubscribe removes the handler. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.active.CompareAndSwap(true, false) {
		return
	}
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.handlers[s.eventType]
	for i, other := range list {
		if other == s {
			// Copy so that in-flight snapshots keep their own backing array.
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(d.handlers, s.eventType)
			} else {
				d.handlers[s.eventType] = next
			}
			return
		}
	}
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

// SubscriptionGroup owns the subscriptions of one component and releases
// them together.
type SubscriptionGroup struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// Add takes ownership of s. After Close, s is unsubscribed immediately.
func (g *SubscriptionGroup) Add(s *Subscription) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		s.Unsubscribe()
		return
	}
	g.subs = append(g.subs, s)
	g.mu.Unlock()
}

// Close unsubscribes everything in the group.
func (g *SubscriptionGroup) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.closed = true
	g.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}
