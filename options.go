package convsync

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/LuminPulse-AI/convsync/internal/clock"
)

// Option configures the dispatcher, realtime client, store, typing
// controller and sync engine.
type Option func(*options)

type options struct {
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *Metrics
}

// WithClock replaces the wall clock used for timers and timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the base logger. Each component adds its own
// "component" field.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  clock.Real(),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	return o
}

func (o options) componentLogger(name string) zerolog.Logger {
	return o.logger.With().Str("component", name).Logger()
}
