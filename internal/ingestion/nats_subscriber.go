package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes JetStream subjects and hands raw messages to the
// dispatcher through eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a message that has not been parsed yet.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	// MsgID is the Nats-Msg-Id header, used as the idempotency key when the
	// payload carries no request_id.
	MsgID     string
	Timestamp time.Time
	AckFunc   func() // ACK after hand-off
	NakFunc   func() // NAK for redelivery
}

// SubjectConfig maps a subject filter to the command it carries.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	CommandStream  = "LOAN_COMMANDS"
	PriceStream    = "LOAN_PRICES"
	OutboundStream = "LOAN_LEDGER_EVENTS"
)

// Event type names used in SubjectConfig.
const (
	TypeCreateLoan    = "CreateLoan"
	TypeRepayLoan     = "RepayLoan"
	TypeLiquidateLoan = "LiquidateLoan"
	TypeStakeDeposit  = "StakeDeposit"
	TypeStakeWithdraw = "StakeWithdraw"
	TypePriceUpdate   = "PriceUpdate"
)

func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "loan.commands.create.>", EventType: TypeCreateLoan, ConsumerName: "ledger-loan-create", StreamName: CommandStream},
		{Subject: "loan.commands.repay.>", EventType: TypeRepayLoan, ConsumerName: "ledger-loan-repay", StreamName: CommandStream},
		{Subject: "loan.commands.liquidate.>", EventType: TypeLiquidateLoan, ConsumerName: "ledger-loan-liquidate", StreamName: CommandStream},
		{Subject: "loan.commands.stake.deposit.>", EventType: TypeStakeDeposit, ConsumerName: "ledger-stake-deposit", StreamName: CommandStream},
		{Subject: "loan.commands.stake.withdraw.>", EventType: TypeStakeWithdraw, ConsumerName: "ledger-stake-withdraw", StreamName: CommandStream},
		{Subject: "loan.prices.>", EventType: TypePriceUpdate, ConsumerName: "ledger-prices", StreamName: PriceStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates durable consumers for all configured subjects.
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

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				MsgID:     msg.Headers().Get(nats.MsgIdHdr),
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
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

func streamConfig(name, subject string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
}

// EnsureStreams creates the inbound and outbound streams if missing.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		streamConfig(CommandStream, "loan.commands.>"),
		streamConfig(PriceStream, "loan.prices.>"),
		streamConfig(OutboundStream, "loan.ledger.events.>"),
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("loanledger"),
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
