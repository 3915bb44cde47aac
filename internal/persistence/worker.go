package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpSim/internal/core"
	"PerpSim/internal/observability"

	"github.com/rs/zerolog"
)

// WorkerConfig tunes batching and snapshot cadence.
type WorkerConfig struct {
	BatchSize     int
	FlushTimeout  time.Duration
	SnapshotEvery int64 // 0 disables snapshots
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:     100,
		FlushTimeout:  100 * time.Millisecond,
		SnapshotEvery: 100,
	}
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The runner sends with blocking semantics, so if this worker falls behind
// the engine stalls and no step is lost.
type PersistenceWorker struct {
	db        *sql.DB
	writer    *StepWriter
	snapshots *SnapshotManager
	inputChan <-chan *core.StepReport
	cfg       WorkerConfig
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan *core.StepReport,
	cfg WorkerConfig,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 100 * time.Millisecond
	}
	return &PersistenceWorker{
		db:        db,
		writer:    NewStepWriter(),
		snapshots: NewSnapshotManager(db),
		inputChan: inputChan,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run batches incoming reports and flushes when the batch is full or the
// flush timeout expires. It returns when inputChan closes or ctx ends,
// flushing what it holds first.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]*core.StepReport, 0, pw.cfg.BatchSize)

	timer := time.NewTimer(pw.cfg.FlushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Int("steps", len(batch)).Msg("batch flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case rep, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			batch = append(batch, rep)
			if len(batch) >= pw.cfg.BatchSize {
				flush(ctx)
				timer.Reset(pw.cfg.FlushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.cfg.FlushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []*core.StepReport) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("steps", len(batch)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []*core.StepReport) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteSteps(ctx, tx, batch); err != nil {
		pw.recordError("write_steps")
		return err
	}

	for _, rep := range batch {
		if !pw.snapshotDue(rep) {
			continue
		}
		snapStart := time.Now()
		size, err := pw.snapshots.SaveSnapshot(ctx, tx, rep.RunID, rep.Snapshot, rep.StateHash)
		if err != nil {
			pw.recordError("snapshot")
			return err
		}
		if pw.metrics != nil {
			pw.metrics.SnapshotTaken.Inc()
			pw.metrics.SnapshotDuration.Observe(time.Since(snapStart).Seconds())
			pw.metrics.SnapshotSizeBytes.Set(float64(size))
		}
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistStepsWritten.Add(float64(len(batch)))
		pw.metrics.PersistLastStep.Set(float64(batch[len(batch)-1].Step))
	}
	return nil
}

func (pw *PersistenceWorker) snapshotDue(rep *core.StepReport) bool {
	return pw.cfg.SnapshotEvery > 0 && rep.Snapshot != nil && rep.Step%pw.cfg.SnapshotEvery == 0
}

func (pw *PersistenceWorker) recordError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
