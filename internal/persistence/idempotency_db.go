package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker looks up processed events in the event log
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks if event exists in Postgres event log
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, eventType, idempotencyKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns up to limit (event_type, idempotency_key) pairs, oldest
// first, for warming the in-memory tier on startup.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([][2]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key FROM (
			SELECT sequence, event_type, idempotency_key
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys [][2]string
	for rows.Next() {
		var k [2]string
		if err := rows.Scan(&k[0], &k[1]); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
