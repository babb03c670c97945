package ingestion

import (
	"context"
	"errors"
	"math/big"
	"time"

	"LoanLedger/internal/core"
	"LoanLedger/internal/event"
	"LoanLedger/internal/loan"
	"LoanLedger/internal/observability"

	"github.com/rs/zerolog"
)

// CommandProcessor applies commands; *core.Engine satisfies it.
type CommandProcessor interface {
	ProcessEvent(ctx context.Context, evt event.Event) (*core.Outcome, error)
}

// PriceSink receives oracle observations; *oracle.MarkPriceOracle satisfies it.
type PriceSink interface {
	Update(asset string, price *big.Int, sequence int64, ts time.Time) (bool, error)
}

// Dispatcher parses raw messages and routes them: commands to the engine,
// prices straight to the oracle.
type Dispatcher struct {
	engine  CommandProcessor
	prices  PriceSink
	input   <-chan RawEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(engine CommandProcessor, prices PriceSink, input <-chan RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		engine:  engine,
		prices:  prices,
		input:   input,
		metrics: metrics,
		logger:  logger,
	}
}

// Run handles messages until ctx is cancelled or the input closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.input:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and acks or naks it. Malformed payloads and
// business rejections are acked since redelivery cannot change the outcome.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed message")
		d.finish(raw, "malformed", true)
		return
	}

	if p, ok := evt.(*event.PriceUpdate); ok {
		d.handlePrice(raw, p)
		return
	}

	outcome, err := d.engine.ProcessEvent(ctx, evt)
	switch {
	case err != nil && retryable(err):
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Str("key", evt.IdempotencyKey()).Msg("command failed, requesting redelivery")
		d.finish(raw, "retry", false)
	case err != nil:
		d.logger.Info().
			Str("subject", raw.Subject).
			Str("key", evt.IdempotencyKey()).
			Str("reason", core.RejectReason(err)).
			Msg("command rejected")
		d.finish(raw, "rejected", true)
	case outcome.Duplicate:
		d.finish(raw, "duplicate", true)
	default:
		d.finish(raw, "applied", true)
	}
}

func (d *Dispatcher) handlePrice(raw RawEvent, p *event.PriceUpdate) {
	result := "applied"
	applied, err := d.prices.Update(p.Asset, p.Price, p.Sequence, time.UnixMicro(p.TimestampUs))
	switch {
	case err != nil:
		d.logger.Warn().Err(err).Str("asset", p.Asset).Msg("price update rejected")
		result = "invalid"
	case !applied:
		result = "stale"
	}
	if d.metrics != nil {
		d.metrics.PriceUpdates.WithLabelValues(p.Asset, result).Inc()
	}
	d.finish(raw, result, true)
}

func (d *Dispatcher) finish(raw RawEvent, result string, ack bool) {
	if d.metrics != nil {
		d.metrics.NATSMessages.WithLabelValues(raw.EventType, result).Inc()
	}
	if ack {
		if raw.AckFunc != nil {
			raw.AckFunc()
		}
		return
	}
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}

// retryable reports failures that may succeed on redelivery.
func retryable(err error) bool {
	if errors.Is(err, loan.ErrPriceUnavailable) {
		return true
	}
	return core.RejectReason(err) == "internal"
}
