package ingestion

import (
	"IRSLedger/internal/errs"
	"IRSLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// RateStream holds pushed rate updates on irs.rates.{source}.
const RateStream = "IRS_RATES"

// RateHandler consumes one feed payload. *rates.FeedSource satisfies it.
type RateHandler interface {
	Name() string
	Handle(data []byte) error
}

// ConsumerManager is the part of jetstream.JetStream the subscriber needs.
type ConsumerManager interface {
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
}

// FeedMsg is the part of jetstream.Msg a handler acknowledges.
type FeedMsg interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// RateSubscriber routes pushed rate messages to feed sources by subject.
// Malformed payloads are terminated; other handler failures are redelivered.
type RateSubscriber struct {
	js       ConsumerManager
	handlers map[string]RateHandler
	consumer jetstream.ConsumeContext
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewRateSubscriber(js ConsumerManager, handlers []RateHandler, logger zerolog.Logger, metrics *observability.Metrics) *RateSubscriber {
	byName := make(map[string]RateHandler, len(handlers))
	for _, h := range handlers {
		byName[h.Name()] = h
	}
	return &RateSubscriber{
		js:       js,
		handlers: byName,
		logger:   logger,
		metrics:  metrics,
	}
}

// Subscribe creates the durable rate consumer and starts delivery.
// Consumer uses explicit ACK, max_deliver=5, ack_wait=30s.
func (rs *RateSubscriber) Subscribe(ctx context.Context, durable string) error {
	consumer, err := rs.js.CreateOrUpdateConsumer(ctx, RateStream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: RatePrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) { rs.HandleMsg(msg) })
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	rs.consumer = cc
	rs.logger.Info().Str("subject", RatePrefix+".>").Str("consumer", durable).Msg("subscribed to rate feed")
	return nil
}

// HandleMsg delivers one message and settles its acknowledgement.
func (rs *RateSubscriber) HandleMsg(msg FeedMsg) {
	source, err := ParseRateSubject(msg.Subject())
	if err != nil {
		rs.settle(msg, "rejected", msg.Term(), err)
		return
	}
	h, ok := rs.handlers[source]
	if !ok {
		rs.settle(msg, "rejected", msg.Term(), fmt.Errorf("no feed source %q", source))
		return
	}

	if err := h.Handle(msg.Data()); err != nil {
		if errors.Is(err, errs.InvalidInput) {
			rs.settle(msg, "rejected", msg.Term(), err)
			return
		}
		rs.settle(msg, "retry", msg.Nak(), err)
		return
	}
	rs.settle(msg, "ok", msg.Ack(), nil)
}

func (rs *RateSubscriber) settle(msg FeedMsg, result string, ackErr, cause error) {
	rs.metrics.ObserveFeedMessage(result)
	if cause != nil {
		rs.logger.Warn().Err(cause).Str("subject", msg.Subject()).Str("result", result).Msg("rate message not applied")
	}
	if ackErr != nil {
		rs.logger.Warn().Err(ackErr).Str("subject", msg.Subject()).Msg("ack failed")
	}
}

// Stop stops delivery.
func (rs *RateSubscriber) Stop() {
	if rs.consumer != nil {
		rs.consumer.Stop()
	}
	rs.logger.Info().Msg("rate subscriber stopped")
}

// EnsureRateStream creates the inbound rate stream if it doesn't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureRateStream(ctx context.Context, js StreamManager, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      RateStream,
		Subjects:  []string{RatePrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", RateStream, err)
	}
	logger.Info().Str("stream", RateStream).Msg("ensured rate stream")
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
