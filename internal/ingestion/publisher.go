package ingestion

import (
	"IRSLedger/internal/core"
	"IRSLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundStream holds every published ledger event.
const OutboundStream = "IRS_LEDGER_EVENTS"

// StreamPublisher is the part of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StreamManager is the part of jetstream.JetStream that declares streams.
type StreamManager interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// OutboundPublisher publishes dispatched events to NATS for downstream consumers.
// Subjects follow irs.ledger.events.{event_type}[.{position_id}].
type OutboundPublisher struct {
	js      StreamPublisher
	input   <-chan core.Output
	timeout time.Duration
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewOutboundPublisher(js StreamPublisher, input <-chan core.Output, logger zerolog.Logger, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		input:   input,
		timeout: 5 * time.Second,
		logger:  logger,
		metrics: metrics,
	}
}

// Run publishes until the input channel closes or ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.input:
			if !ok {
				return nil
			}
			if out.Envelope == nil {
				continue
			}
			err := op.publish(ctx, out)
			op.metrics.ObserveOutbound(err)
			if err != nil {
				// Non-fatal: downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.Output) error {
	data, err := EncodeOutbound(out.Envelope)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, op.timeout)
	defer cancel()

	_, err = op.js.Publish(ctx, OutboundSubject(out.Envelope), data, jetstream.WithMsgID(MsgID(out.Envelope)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js StreamManager, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{OutboundPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
