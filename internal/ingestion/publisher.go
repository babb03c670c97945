package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"LoanLedger/internal/core"
	"LoanLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the subset of jetstream.JetStream the outbound side needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied events for downstream consumers on
// loan.ledger.events.{event_type}.{asset}.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of an envelope.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Account        string          `json:"account,omitempty"`
	Asset          string          `json:"asset,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// ToPublishable converts an envelope to its outbound form.
func ToPublishable(env *event.EventEnvelope) PublishableEvent {
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventID:        env.EventID.String(),
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Account:        env.Account,
		Asset:          env.Asset,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
}

// Subject returns the outbound subject for an envelope.
func Subject(env *event.EventEnvelope) string {
	subject := "loan.ledger.events." + env.EventType.String()
	if env.Asset != "" {
		subject += "." + env.Asset
	}
	return subject
}

// Run publishes until ctx is cancelled or the channel closes. Failures are
// logged and skipped; the event log stays authoritative.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out.Envelope); err != nil {
				op.logger.Warn().Err(err).Int64("seq", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope) error {
	data, err := json.Marshal(ToPublishable(env))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// The event id doubles as the JetStream dedup id.
	_, err = op.js.Publish(ctx, Subject(env), data, jetstream.WithMsgID(env.EventID.String()))
	return err
}
