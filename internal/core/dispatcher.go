package core

import (
	"IRSLedger/internal/event"
	"IRSLedger/internal/ledger"
	"IRSLedger/internal/observability"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Output is one unit handed to the workers: a sequenced event envelope or
// a committed ledger batch. Exactly one field is set.
type Output struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
}

// Config sizes the fan-out channels. A zero size disables that channel.
type Config struct {
	StartSequence  int64
	Tip            [32]byte // Chain tip before StartSequence
	PersistSize    int
	PublishSize    int
	ProjectionSize int
	DedupCapacity  int
}

// DefaultConfig starts a fresh log.
func DefaultConfig() Config {
	return Config{
		Tip:            GenesisHash(),
		PersistSize:    1024,
		PublishSize:    4096,
		ProjectionSize: 2048,
		DedupCapacity:  100_000,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock injects the time source stamped on envelopes.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics records sequencing and channel pressure.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher sequences committed domain events into a hash-chained log and
// fans them out. The persist channel blocks when full so nothing is lost;
// the publish and projection channels drop, since both can be rebuilt from
// the log. Safe for concurrent use.
type Dispatcher struct {
	mu       sync.Mutex
	sequence int64
	hasher   *StateHasher
	dedup    *IdempotencyChecker
	closed   bool

	persist    chan Output
	publish    chan Output
	projection chan Output

	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewDispatcher(cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = DefaultConfig().DedupCapacity
	}
	dedup, err := NewIdempotencyChecker(cfg.DedupCapacity)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		sequence: cfg.StartSequence,
		hasher:   NewStateHasher(cfg.Tip),
		dedup:    dedup,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	if cfg.PersistSize > 0 {
		d.persist = make(chan Output, cfg.PersistSize)
	}
	if cfg.PublishSize > 0 {
		d.publish = make(chan Output, cfg.PublishSize)
	}
	if cfg.ProjectionSize > 0 {
		d.projection = make(chan Output, cfg.ProjectionSize)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Persist is drained by the persistence worker. Nil when disabled.
func (d *Dispatcher) Persist() <-chan Output { return d.persist }

// Publish is drained by the outbound publisher. Nil when disabled.
func (d *Dispatcher) Publish() <-chan Output { return d.publish }

// Projection is drained by the projection worker. Nil when disabled.
func (d *Dispatcher) Projection() <-chan Output { return d.projection }

// Idempotency exposes the dedup cache for warming and snapshots.
func (d *Dispatcher) Idempotency() *IdempotencyChecker { return d.dedup }

// Emit sequences one event. Duplicates by (type, idempotency key) are
// dropped. Emit never fails the caller's already-committed mutation; an
// unencodable event is logged and skipped.
func (d *Dispatcher) Emit(evt event.Event) {
	payload, err := event.Encode(evt)
	if err != nil {
		d.logger.Error().Err(err).Str("event_type", evt.EventType().String()).Msg("event not encodable, skipped")
		return
	}
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Warn().Str("event_type", eventType).Str("key", key).Msg("event after shutdown dropped")
		return
	}
	if d.dedup.IsDuplicate(eventType, key) {
		d.logger.Debug().Str("event_type", eventType).Str("key", key).Msg("duplicate event dropped")
		return
	}

	env := &event.EventEnvelope{
		Sequence:       d.sequence,
		IdempotencyKey: key,
		EventType:      evt.EventType(),
		PositionID:     evt.PositionID(),
		Timestamp:      d.now().UTC().Truncate(time.Microsecond),
		Payload:        payload,
		PrevHash:       d.hasher.Tip(),
	}
	env.StateHash = d.hasher.ComputeHash(env.Sequence, EventDigest(env))
	d.sequence++
	d.dedup.MarkProcessed(eventType, key)

	d.metrics.ObserveEvent(eventType, env.Sequence)
	d.fanOut(Output{Envelope: env}, true)
}

// RecordBatch forwards a committed ledger batch; wire it as a ledger batch sink.
// Batches are persisted and projected but not published.
func (d *Dispatcher) RecordBatch(batch *ledger.Batch) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Warn().Str("ref", batch.EventRef).Msg("batch after shutdown dropped")
		return
	}
	for _, j := range batch.Journals {
		d.metrics.ObserveJournal(j.JournalType.String())
	}
	d.fanOut(Output{Batch: batch}, false)
}

// fanOut runs under d.mu so every channel sees outputs in sequence order.
func (d *Dispatcher) fanOut(out Output, publish bool) {
	if d.persist != nil {
		select {
		case d.persist <- out:
		default:
			// Blocking send: backpressure reaches the mutating caller
			d.metrics.ObserveBackpressure()
			d.persist <- out
		}
		d.metrics.SetChannelMetrics("persist", len(d.persist), cap(d.persist))
	}

	if publish && d.publish != nil {
		select {
		case d.publish <- out:
		default:
			d.metrics.ObserveDrop("publish")
		}
	}

	if d.projection != nil {
		select {
		case d.projection <- out:
		default:
			d.metrics.ObserveDrop("projection")
		}
		d.metrics.SetChannelMetrics("projection", len(d.projection), cap(d.projection))
	}
}

// Sequence returns the next sequence to assign.
func (d *Dispatcher) Sequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sequence
}

// Tip returns the next sequence and the current chain tip atomically.
func (d *Dispatcher) Tip() (int64, [32]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sequence, d.hasher.Tip()
}

// Close stops accepting outputs and closes every channel so workers drain
// and exit. Later Emit and RecordBatch calls are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, ch := range []chan Output{d.persist, d.publish, d.projection} {
		if ch != nil {
			close(ch)
		}
	}
	d.logger.Info().Int64("next_sequence", d.sequence).Msg("dispatcher closed")
}

func (o Output) String() string {
	if o.Envelope != nil {
		return fmt.Sprintf("event %d %s", o.Envelope.Sequence, o.Envelope.EventType)
	}
	if o.Batch != nil {
		return fmt.Sprintf("batch %d %s", o.Batch.Sequence, o.Batch.EventRef)
	}
	return "empty"
}
