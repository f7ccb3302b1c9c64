// Package ingestion is the shell between upstream producers and the
// core. It subscribes to NATS JetStream, parses raw payloads into typed
// events, republishes processed results, and exposes the HTTP op
// injector.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber pulls raw events off JetStream and feeds them into the
// shell's event channel.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	log       zerolog.Logger
	consumers []jetstream.ConsumeContext
}

// RawEvent is a received-but-untyped event. The shell validates and
// converts it into a typed event.Event before the core sees it.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after successful handoff
	NakFunc   func() // NAK on failure, message is redelivered
}

// SubjectConfig maps one NATS subject to an event type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout. Each event type
// has its own subject so consumers scale independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "pool.ops.deposit.>", EventType: "CollateralDeposit", ConsumerName: "ledger-deposit", StreamName: "POOL_OPS"},
		{Subject: "pool.ops.withdraw.>", EventType: "CollateralWithdraw", ConsumerName: "ledger-withdraw", StreamName: "POOL_OPS"},
		{Subject: "pool.ops.open.>", EventType: "PositionOpen", ConsumerName: "ledger-open", StreamName: "POOL_OPS"},
		{Subject: "pool.ops.close.>", EventType: "PositionClose", ConsumerName: "ledger-close", StreamName: "POOL_OPS"},
		{Subject: "pool.ops.liquidate.>", EventType: "LiquidateAccount", ConsumerName: "ledger-liquidate", StreamName: "POOL_OPS"},
		{Subject: "pool.ops.adl.>", EventType: "AdlFill", ConsumerName: "ledger-adl", StreamName: "POOL_OPS"},
		{Subject: "pool.ops.reallocate.>", EventType: "PositionReallocate", ConsumerName: "ledger-reallocate", StreamName: "POOL_OPS"},
		{Subject: "pool.ops.poke.>", EventType: "MarketPoke", ConsumerName: "ledger-poke", StreamName: "POOL_OPS"},
		{Subject: "pool.liquidity.add.>", EventType: "LiquidityAdd", ConsumerName: "ledger-liq-add", StreamName: "POOL_LIQUIDITY"},
		{Subject: "pool.liquidity.remove.>", EventType: "LiquidityRemove", ConsumerName: "ledger-liq-remove", StreamName: "POOL_LIQUIDITY"},
		{Subject: "pool.prices.>", EventType: "OraclePriceUpdate", ConsumerName: "ledger-prices", StreamName: "POOL_PRICES"},
		{Subject: "pool.config.market.>", EventType: "MarketConfigUpdate", ConsumerName: "ledger-cfg-market", StreamName: "POOL_CONFIG"},
		{Subject: "pool.config.pool.>", EventType: "PoolConfigUpdate", ConsumerName: "ledger-cfg-pool", StreamName: "POOL_CONFIG"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if missing.
// FileStorage, limits retention, 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "POOL_OPS",
			Subjects:  []string{"pool.ops.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "POOL_LIQUIDITY",
			Subjects:  []string{"pool.liquidity.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "POOL_PRICES",
			Subjects:  []string{"pool.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "POOL_CONFIG",
			Subjects:  []string{"pool.config.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
