package convsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for one sync engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	connectionState   prometheus.Gauge
	reconnectAttempts prometheus.Counter
	eventsDispatched  *prometheus.CounterVec
	handlerPanics     prometheus.Counter
	decodeErrors      prometheus.Counter
	mutations         *prometheus.CounterVec
	typingActive      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. It panics
// if any of them is already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convsync_connection_state",
			Help: "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed).",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsync_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled.",
		}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_events_dispatched_total",
			Help: "Events dispatched, by event type.",
		}, []string{"event_type"}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsync_handler_panics_total",
			Help: "Event handlers that panicked.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsync_decode_errors_total",
			Help: "Inbound wire messages that could not be decoded.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_optimistic_mutations_total",
			Help: "Optimistic mutations, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		typingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convsync_typing_indicators_active",
			Help: "Inbound typing indicators currently held.",
		}),
	}
	reg.MustRegister(
		m.connectionState,
		m.reconnectAttempts,
		m.eventsDispatched,
		m.handlerPanics,
		m.decodeErrors,
		m.mutations,
		m.typingActive,
	)
	return m
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(s))
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) dispatched(t EventType) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) handlerPanicked() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

func (m *Metrics) decodeFailed() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) mutation(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.mutations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) setTyping(n int) {
	if m == nil {
		return
	}
	m.typingActive.Set(float64(n))
}
