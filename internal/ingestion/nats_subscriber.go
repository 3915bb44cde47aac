package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpSim/internal/event"
	"PerpSim/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	PriceStream  = "PERP_SIM_PRICES"
	PriceSubject = "perp.sim.prices.>"
)

// SubscriberConfig names the durable consumer for a price feed.
type SubscriberConfig struct {
	Stream       string
	Subject      string
	ConsumerName string
	Buffer       int
}

func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		Stream:       PriceStream,
		Subject:      PriceSubject,
		ConsumerName: "perpsim-prices",
		Buffer:       256,
	}
}

// NATSTickSource consumes price ticks from JetStream and serves them to a
// Runner through Next. Redeliveries are filtered by the deduplicator.
type NATSTickSource struct {
	js       jetstream.JetStream
	cfg      SubscriberConfig
	raw      chan RawTick
	consumer jetstream.ConsumeContext
	dedup    *TickDeduplicator
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewNATSTickSource(
	js jetstream.JetStream,
	cfg SubscriberConfig,
	dedup *TickDeduplicator,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *NATSTickSource {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	return &NATSTickSource{
		js:      js,
		cfg:     cfg,
		raw:     make(chan RawTick, cfg.Buffer),
		dedup:   dedup,
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe creates the durable consumer and starts delivery.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (s *NATSTickSource) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       s.cfg.ConsumerName,
		FilterSubject: s.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", s.cfg.ConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawTick{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { _ = msg.Ack() },
			NakFunc:   func() { _ = msg.Nak() },
			TermFunc:  func() { _ = msg.Term() },
		}
		select {
		case s.raw <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.cfg.ConsumerName, err)
	}
	s.consumer = cc

	s.logger.Info().
		Str("subject", s.cfg.Subject).
		Str("consumer", s.cfg.ConsumerName).
		Msg("subscribed to price feed")
	return nil
}

// Next blocks until a new, parseable tick arrives.
func (s *NATSTickSource) Next(ctx context.Context) (*event.PriceTick, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case raw := <-s.raw:
			if tick := s.handle(raw); tick != nil {
				return tick, nil
			}
		}
	}
}

func (s *NATSTickSource) handle(raw RawTick) *event.PriceTick {
	if s.metrics != nil {
		s.metrics.TicksReceived.WithLabelValues("nats").Inc()
	}

	tick, err := ParsePriceTick(raw.Data)
	if err != nil {
		if s.metrics != nil {
			s.metrics.TickParseErrors.Inc()
		}
		s.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable tick")
		callIfSet(raw.TermFunc)
		return nil
	}

	if s.dedup != nil {
		if s.dedup.IsDuplicate(tick.Step) {
			s.logger.Debug().Int64("step", tick.Step).Msg("duplicate tick")
			callIfSet(raw.AckFunc)
			return nil
		}
		s.dedup.MarkProcessed(tick.Step)
	}

	callIfSet(raw.AckFunc)
	return tick
}

func (s *NATSTickSource) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.logger.Info().Msg("price subscriber stopped")
}

func callIfSet(f func()) {
	if f != nil {
		f()
	}
}

// EnsurePriceStream creates the price stream if it does not exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      PriceStream,
		Subjects:  []string{PriceSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", PriceStream, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpsim"),
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
