package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"LoanLedger/internal/core"
	"LoanLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends to this channel with a blocking send, so a slow worker
// stalls the engine instead of losing events.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// retry schedule, overridable in tests
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:             db,
		writer:         NewEventLogWriter(db),
		inputChan:      inputChan,
		batchSize:      batchSize,
		flushTimeout:   flushTimeout,
		metrics:        metrics,
		logger:         logger,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     30 * time.Second,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flushWithRetry(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, EventRowFromEnvelope(output.Envelope))
			if pw.metrics != nil {
				pw.metrics.ChannelSize.WithLabelValues("persist").Set(float64(len(pw.inputChan)))
			}

			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled, at which point one last attempt is made.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow) error {
	backoff := pw.initialBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetries.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events); err != nil {
					if pw.metrics != nil {
						pw.metrics.PersistErrors.Inc()
					}
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, events)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Debug().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
	}
	return nil
}
