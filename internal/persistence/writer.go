package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"LoanLedger/internal/event"
)

// EventLogWriter appends envelopes to event_log.events using multi-row INSERT.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventID        string
	EventType      string
	IdempotencyKey string
	Account        string
	Asset          string
	Payload        []byte // JSON
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// EventRowFromEnvelope flattens an envelope for storage.
func EventRowFromEnvelope(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventID:        env.EventID.String(),
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Account:        env.Account,
		Asset:          env.Asset,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
}

const eventColumns = 10

// WriteEventBatch writes events with one INSERT. Rows already present by
// sequence are skipped so retried batches are harmless.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	query := `INSERT INTO event_log.events
		(sequence, event_id, event_type, idempotency_key, account, asset, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*eventColumns)

	for i, e := range events {
		base := i * eventColumns
		placeholders := make([]string, eventColumns)
		for c := 0; c < eventColumns; c++ {
			placeholders[c] = fmt.Sprintf("$%d", base+c+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			e.Sequence, e.EventID, e.EventType, e.IdempotencyKey, e.Account, e.Asset,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
