package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"LoanLedger/internal/core"
)

// EventLogReader serves recovery and history reads from event_log.events.
type EventLogReader struct {
	db *sql.DB
}

func NewEventLogReader(db *sql.DB) *EventLogReader {
	return &EventLogReader{db: db}
}

// LoadHead returns the last persisted sequence and hash, or nil for an empty log.
func (r *EventLogReader) LoadHead(ctx context.Context) (*core.Head, error) {
	var seq int64
	var hash []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT sequence, state_hash FROM event_log.events ORDER BY sequence DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load event log head: %w", err)
	}
	if len(hash) != 32 {
		return nil, fmt.Errorf("event %d has a %d-byte state hash", seq, len(hash))
	}

	head := &core.Head{Sequence: seq}
	copy(head.Hash[:], hash)
	return head, nil
}

// ListEvents returns events for (account, asset) with sequence > after, oldest first.
func (r *EventLogReader) ListEvents(ctx context.Context, account, asset string, after int64, limit int) ([]EventRow, error) {
	return r.query(ctx, `
		SELECT sequence, event_id::text, event_type, idempotency_key, account, asset,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE account = $1 AND asset = $2 AND sequence > $3
		ORDER BY sequence ASC
		LIMIT $4
	`, account, asset, after, limit)
}

// LoadRange returns up to limit events with sequence >= from, for chain verification.
func (r *EventLogReader) LoadRange(ctx context.Context, from int64, limit int) ([]EventRow, error) {
	return r.query(ctx, `
		SELECT sequence, event_id::text, event_type, idempotency_key, account, asset,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, from, limit)
}

func (r *EventLogReader) query(ctx context.Context, query string, args ...interface{}) ([]EventRow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventID, &e.EventType, &e.IdempotencyKey, &e.Account, &e.Asset,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
