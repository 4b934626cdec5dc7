package state

import (
	"IRSLedger/internal/event"
	"IRSLedger/internal/observability"
	"time"

	"github.com/rs/zerolog"
)

// EventSink receives domain events after a mutation commits.
type EventSink interface {
	Emit(evt event.Event)
}

type nopSink struct{}

func (nopSink) Emit(event.Event) {}

type options struct {
	now              func() time.Time
	logger           zerolog.Logger
	metrics          *observability.Metrics
	events           EventSink
	healthCacheSize  int
	batchConcurrency int
}

func defaultOptions() options {
	return options{
		now:              time.Now,
		logger:           zerolog.Nop(),
		events:           nopSink{},
		healthCacheSize:  4096,
		batchConcurrency: 8,
	}
}

// Option configures the engines in this package. Each engine ignores
// options that do not apply to it.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithEventSink routes committed domain events.
func WithEventSink(sink EventSink) Option {
	return func(o *options) {
		if sink != nil {
			o.events = sink
		}
	}
}

// WithHealthCacheSize bounds the margin engine's health report cache.
func WithHealthCacheSize(n int) Option {
	return func(o *options) { o.healthCacheSize = n }
}

// WithBatchConcurrency bounds parallel items in batch liquidation.
func WithBatchConcurrency(n int) Option {
	return func(o *options) { o.batchConcurrency = n }
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.healthCacheSize <= 0 {
		o.healthCacheSize = 1
	}
	if o.batchConcurrency <= 0 {
		o.batchConcurrency = 1
	}
	return o
}
