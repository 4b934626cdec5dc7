package persistence

import (
	"IRSLedger/internal/core"
	"IRSLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The dispatcher sends on that channel with blocking sends, so if this worker
// falls behind, mutations stall rather than lose an event.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	input        <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	input <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		logger:       logger,
		metrics:      metrics,
	}
}

type pendingBatch struct {
	events   []EventRow
	journals []JournalRow
}

func (b *pendingBatch) size() int { return len(b.events) + len(b.journals) }

func (b *pendingBatch) reset() {
	b.events = b.events[:0]
	b.journals = b.journals[:0]
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns once the input channel is closed and
// everything received has been written. Close the dispatcher to stop it;
// cancelling ctx only cuts retry waits short.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := &pendingBatch{
		events:   make([]EventRow, 0, pw.batchSize),
		journals: make([]JournalRow, 0, pw.batchSize*4),
	}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case out, ok := <-pw.input:
			if !ok {
				if batch.size() > 0 {
					if err := pw.flushWithRetry(ctx, batch); err != nil {
						pw.logger.Error().Err(err).Int("events", len(batch.events)).Msg("final flush failed")
						return err
					}
				}
				pw.logger.Info().Msg("persist channel closed, worker stopped")
				return nil
			}

			if out.Envelope != nil {
				batch.events = append(batch.events, FromEnvelope(out.Envelope))
			}
			if out.Batch != nil {
				batch.journals = append(batch.journals, FromBatch(out.Batch)...)
			}

			if batch.size() >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch.reset()
				resetTimer(timer, pw.flushTimeout)
			}

		case <-timer.C:
			if batch.size() > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// Once ctx is cancelled it makes one last attempt detached from ctx.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch *pendingBatch) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch.events)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.WithoutCancel(ctx), batch); err != nil {
					pw.metrics.ObservePersistError(errorType(err), false)
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

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.metrics.ObservePersistError(errorType(err), true)
	}
}

type flushError struct {
	stage string
	err   error
}

func (e *flushError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *flushError) Unwrap() error { return e.err }

func errorType(err error) string {
	if fe, ok := err.(*flushError); ok {
		return fe.stage
	}
	return "unknown"
}

// flush writes events and journals in a single transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, batch *pendingBatch) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return &flushError{"tx_begin", err}
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, batch.events); err != nil {
		return &flushError{"write_events", err}
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, batch.journals); err != nil {
		return &flushError{"write_journals", err}
	}
	if err := tx.Commit(); err != nil {
		return &flushError{"tx_commit", err}
	}

	last := int64(-1)
	if n := len(batch.events); n > 0 {
		last = batch.events[n-1].Sequence
	}
	pw.metrics.ObservePersistFlush(len(batch.events), len(batch.journals), last, time.Since(start))
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
