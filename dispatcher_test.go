package convsync

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRegistrationOrder(t *testing.T) {
	d := NewDispatcher(quiet())
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		d.Subscribe(EventConnected, func(Event) { order = append(order, i) })
	}
	d.Dispatch(ConnectedEvent{})
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestDispatchRecoversPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := NewDispatcher(quiet(), WithMetrics(m))

	var ran []string
	d.Subscribe(EventConnected, func(Event) { ran = append(ran, "first") })
	d.Subscribe(EventConnected, func(Event) { panic("boom") })
	d.Subscribe(EventConnected, func(Event) { ran = append(ran, "third") })
	d.Subscribe(EventDisconnected, func(Event) { ran = append(ran, "other") })

	require.NotPanics(t, func() { d.Dispatch(ConnectedEvent{}) })
	d.Dispatch(DisconnectedEvent{})

	assert.Equal(t, []string{"first", "third", "other"}, ran)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerPanics))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDispatched.WithLabelValues(string(EventConnected))))
}

func TestOnIsTyped(t *testing.T) {
	d := NewDispatcher(quiet())
	var got ReconnectingEvent
	On(d, func(ev ReconnectingEvent) { got = ev })

	d.Dispatch(ReconnectingEvent{Attempt: 2})
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, 1, d.HandlerCount(EventReconnecting))
}

func TestOnRawEventPanics(t *testing.T) {
	d := NewDispatcher(quiet())
	assert.Panics(t, func() { On(d, func(RawEvent) {}) })
}

func TestRawEventsUseTheirOwnType(t *testing.T) {
	d := NewDispatcher(quiet())
	var got RawEvent
	d.Subscribe("custom_event", func(ev Event) { got = ev.(RawEvent) })

	d.Dispatch(RawEvent{Type: "custom_event", Data: []byte(`{}`)})
	assert.Equal(t, EventType("custom_event"), got.Type)
}

func TestUnsubscribe(t *testing.T) {
	d := NewDispatcher(quiet())
	calls := 0
	sub := d.Subscribe(EventConnected, func(Event) { calls++ })
	keep := d.Subscribe(EventConnected, func(Event) {})

	d.Dispatch(ConnectedEvent{})
	sub.Unsubscribe()
	sub.Unsubscribe()
	d.Dispatch(ConnectedEvent{})

	assert.Equal(t, 1, calls)
	assert.False(t, sub.Active())
	assert.True(t, keep.Active())
	assert.Equal(t, 1, d.HandlerCount(EventConnected))
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	d := NewDispatcher(quiet())
	var later *Subscription
	laterCalls := 0
	d.Subscribe(EventConnected, func(Event) { later.Unsubscribe() })
	later = d.Subscribe(EventConnected, func(Event) { laterCalls++ })

	d.Dispatch(ConnectedEvent{})
	d.Dispatch(ConnectedEvent{})
	assert.Equal(t, 0, laterCalls)
}

func TestSubscribeDuringDispatchWaitsForNextDispatch(t *testing.T) {
	d := NewDispatcher(quiet())
	added := 0
	d.Subscribe(EventConnected, func(Event) {
		d.Subscribe(EventConnected, func(Event) { added++ })
	})

	d.Dispatch(ConnectedEvent{})
	assert.Equal(t, 0, added)
	d.Dispatch(ConnectedEvent{})
	assert.Equal(t, 1, added)
}

func TestConcurrentUnsubscribe(t *testing.T) {
	d := NewDispatcher(quiet())
	var mu sync.Mutex
	calls := 0
	sub := d.Subscribe(EventConnected, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.Dispatch(ConnectedEvent{})
			}
		}()
	}
	sub.Unsubscribe()
	wg.Wait()

	mu.Lock()
	before := calls
	mu.Unlock()
	for i := 0; i < 10; i++ {
		d.Dispatch(ConnectedEvent{})
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, before, calls)
}

func TestSubscriptionGroup(t *testing.T) {
	d := NewDispatcher(quiet())
	var g SubscriptionGroup
	g.Add(d.Subscribe(EventConnected, func(Event) {}))
	g.Add(d.Subscribe(EventError, func(Event) {}))
	require.Equal(t, 1, d.HandlerCount(EventConnected))

	g.Close()
	assert.Equal(t, 0, d.HandlerCount(EventConnected))
	assert.Equal(t, 0, d.HandlerCount(EventError))

	late := d.Subscribe(EventConnected, func(Event) {})
	g.Add(late)
	assert.False(t, late.Active())
	assert.Equal(t, 0, d.HandlerCount(EventConnected))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.setState(StateConnected)
		m.reconnectScheduled()
		m.dispatched(EventConnected)
		m.handlerPanicked()
		m.decodeFailed()
		m.mutation("send_message", nil)
		m.setTyping(3)
	})
}
