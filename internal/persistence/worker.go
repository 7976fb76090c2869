package persistence

import (
	"EnergyLedger/internal/notify"
	"EnergyLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// EventWriter stores a batch of audit rows atomically.
type EventWriter interface {
	WriteEvents(ctx context.Context, rows []EventRow) error
}

// PostgresEventWriter writes audit rows to energy.offer_events.
type PostgresEventWriter struct {
	db *sql.DB
}

func NewPostgresEventWriter(db *sql.DB) *PostgresEventWriter {
	return &PostgresEventWriter{db: db}
}

func (w *PostgresEventWriter) WriteEvents(ctx context.Context, rows []EventRow) error {
	return WriteEventBatch(ctx, w.db, rows)
}

// AuditWorker drains the audit channel and batch-writes lifecycle events.
// It runs beside the coordinator: notifications are handed over without
// blocking, so a slow database delays the audit trail, never an offer.
type AuditWorker struct {
	writer       EventWriter
	inputChan    <-chan notify.Event
	batchSize    int
	flushTimeout time.Duration
	backoff      time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewAuditWorker(
	writer EventWriter,
	inputChan <-chan notify.Event,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *AuditWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &AuditWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		backoff:      100 * time.Millisecond,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming events and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed; pending rows are flushed on the way out.
func (w *AuditWorker) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.WithoutCancel(ctx), batch); err != nil {
					w.logger.Error().Err(err).Int("rows", len(batch)).Msg("final audit flush failed")
				}
			}
			return ctx.Err()

		case evt, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.WithoutCancel(ctx), batch); err != nil {
						w.logger.Error().Err(err).Int("rows", len(batch)).Msg("final audit flush failed")
					}
				}
				return nil
			}

			batch = append(batch, NewEventRow(evt))

			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("audit batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("audit timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made.
func (w *AuditWorker) flushWithRetry(ctx context.Context, rows []EventRow) error {
	backoff := w.backoff
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("rows", len(rows)).
				Msg("audit write retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.WithoutCancel(ctx), rows); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("audit flush succeeded")
			}
			return nil
		}
		w.metrics.PersistErrors.WithLabelValues("retry").Inc()
	}
}

func (w *AuditWorker) flush(ctx context.Context, rows []EventRow) error {
	if err := w.writer.WriteEvents(ctx, rows); err != nil {
		w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		return err
	}
	w.metrics.AuditBatchSize.Observe(float64(len(rows)))
	w.metrics.AuditRowsWritten.Add(float64(len(rows)))
	return nil
}
