package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"LoanLedger/internal/core"
	"LoanLedger/internal/event"
	"LoanLedger/internal/ingestion"
	"LoanLedger/internal/loan"
	"LoanLedger/internal/observability"
	"LoanLedger/internal/oracle"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type stubEngine struct {
	outcome *core.Outcome
	err     error
	seen    []event.Event
}

func (s *stubEngine) ProcessEvent(_ context.Context, evt event.Event) (*core.Outcome, error) {
	s.seen = append(s.seen, evt)
	return s.outcome, s.err
}

type ackRecorder struct {
	acks, naks int
}

func (a *ackRecorder) wrap(raw ingestion.RawEvent) ingestion.RawEvent {
	raw.AckFunc = func() { a.acks++ }
	raw.NakFunc = func() { a.naks++ }
	return raw
}

func createRaw(t *testing.T) ingestion.RawEvent {
	return rawFromJSON(t, ingestion.TypeCreateLoan, map[string]interface{}{
		"request_id": "req-1",
		"account":    "GALICE",
		"asset":      "XLM",
		"principal":  "1000",
		"collateral": "2000",
	})
}

func TestDispatcher_AcksAppliedAndRejected(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	eng := &stubEngine{outcome: &core.Outcome{}}
	d := ingestion.NewDispatcher(eng, oracle.NewMarkPriceOracle(), nil, metrics, zerolog.Nop())
	rec := &ackRecorder{}

	d.Handle(context.Background(), rec.wrap(createRaw(t)))
	eng.outcome, eng.err = nil, loan.ErrInsufficientCollateral
	d.Handle(context.Background(), rec.wrap(createRaw(t)))

	if rec.acks != 2 || rec.naks != 0 {
		t.Fatalf("expected 2 acks, got acks=%d naks=%d", rec.acks, rec.naks)
	}
	if len(eng.seen) != 2 {
		t.Fatalf("expected 2 commands dispatched, got %d", len(eng.seen))
	}
	if got := testutil.ToFloat64(metrics.NATSMessages.WithLabelValues(ingestion.TypeCreateLoan, "rejected")); got != 1 {
		t.Fatalf("rejected counter = %v", got)
	}
}

func TestDispatcher_NaksTransientFailures(t *testing.T) {
	eng := &stubEngine{err: errors.Join(loan.ErrPriceUnavailable, errors.New("oracle timeout"))}
	d := ingestion.NewDispatcher(eng, oracle.NewMarkPriceOracle(), nil, nil, zerolog.Nop())
	rec := &ackRecorder{}

	d.Handle(context.Background(), rec.wrap(createRaw(t)))
	eng.err = errors.New("connection reset")
	d.Handle(context.Background(), rec.wrap(createRaw(t)))

	if rec.naks != 2 || rec.acks != 0 {
		t.Fatalf("expected 2 naks, got acks=%d naks=%d", rec.acks, rec.naks)
	}
}

func TestDispatcher_MalformedIsAckedWithoutDispatch(t *testing.T) {
	eng := &stubEngine{}
	d := ingestion.NewDispatcher(eng, oracle.NewMarkPriceOracle(), nil, nil, zerolog.Nop())
	rec := &ackRecorder{}

	d.Handle(context.Background(), rec.wrap(ingestion.RawEvent{EventType: ingestion.TypeRepayLoan, Data: []byte("nope")}))
	if rec.acks != 1 || len(eng.seen) != 0 {
		t.Fatalf("acks=%d dispatched=%d", rec.acks, len(eng.seen))
	}
}

func TestDispatcher_PricesGoToOracle(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	prices := oracle.NewMarkPriceOracle()
	eng := &stubEngine{}
	d := ingestion.NewDispatcher(eng, prices, nil, metrics, zerolog.Nop())
	rec := &ackRecorder{}

	send := func(price string, seq int64) {
		d.Handle(context.Background(), rec.wrap(rawFromJSON(t, ingestion.TypePriceUpdate, map[string]interface{}{
			"asset": "XLM", "price": price, "sequence": seq,
		})))
	}
	send("0.75", 2)
	send("0.50", 1) // stale

	got, err := prices.PriceOf(context.Background(), "XLM")
	if err != nil {
		t.Fatalf("PriceOf: %v", err)
	}
	if got.Cmp(big.NewInt(750_000)) != 0 {
		t.Fatalf("price = %s, want 750000", got)
	}
	if len(eng.seen) != 0 {
		t.Fatal("price updates must not reach the engine")
	}
	if rec.acks != 2 {
		t.Fatalf("expected 2 acks, got %d", rec.acks)
	}
	if v := testutil.ToFloat64(metrics.PriceUpdates.WithLabelValues("XLM", "stale")); v != 1 {
		t.Fatalf("stale counter = %v", v)
	}
}

func TestDispatcher_RunStopsWhenInputCloses(t *testing.T) {
	in := make(chan ingestion.RawEvent, 1)
	eng := &stubEngine{outcome: &core.Outcome{Duplicate: true}}
	d := ingestion.NewDispatcher(eng, oracle.NewMarkPriceOracle(), in, nil, zerolog.Nop())

	in <- createRaw(t)
	close(in)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(eng.seen) != 1 {
		t.Fatalf("expected 1 command, got %d", len(eng.seen))
	}
}

type capturePublisher struct {
	subjects []string
	payloads [][]byte
}

func (c *capturePublisher) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, payload)
	return &jetstream.PubAck{}, nil
}

func TestOutboundPublisher_PublishesEnvelopes(t *testing.T) {
	in := make(chan core.CoreOutput, 2)
	in <- core.CoreOutput{Envelope: &event.EventEnvelope{
		Sequence:       9,
		EventID:        uuid.New(),
		IdempotencyKey: "req-9",
		EventType:      event.EventTypeLoanLiquidated,
		Account:        "GALICE",
		Asset:          "XLM",
		Payload:        []byte(`{"status":"Liquidated"}`),
	}}
	close(in)

	pub := &capturePublisher{}
	if err := ingestion.NewOutboundPublisher(pub, in, zerolog.Nop()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(pub.subjects) != 1 || pub.subjects[0] != "loan.ledger.events.LoanLiquidated.XLM" {
		t.Fatalf("unexpected subjects %v", pub.subjects)
	}
	var got ingestion.PublishableEvent
	if err := json.Unmarshal(pub.payloads[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sequence != 9 || got.IdempotencyKey != "req-9" || string(got.Payload) != `{"status":"Liquidated"}` {
		t.Fatalf("unexpected event %+v", got)
	}
	if len(got.StateHash) != 64 {
		t.Fatalf("state hash should be hex encoded, got %q", got.StateHash)
	}
}
