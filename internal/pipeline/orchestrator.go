package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/chunk"
	"github.com/jackzampolin/folio/internal/status"
)

// Orchestrator runs one job end to end: plan, analyze pending chunks, then
// finalize or abort.
type Orchestrator struct {
	cfg       Config
	blobs     blob.Store
	status    *status.Store
	processor *Processor
	pool      *Pool
	finalizer *Finalizer
	logger    *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	logger := cfg.Logger.With("component", "pipeline")
	processor := NewProcessor(cfg.Blobs, cfg.Status, cfg.Analysis, logger)
	exec := NewExecutor(cfg.ChunkMaxRetries, cfg.RetryBackoffBase, cfg.ChunkTimeout, cfg.Timer, logger)

	finCfg := cfg
	finCfg.Logger = logger

	return &Orchestrator{
		cfg:       cfg,
		blobs:     cfg.Blobs,
		status:    cfg.Status,
		processor: processor,
		pool:      NewPool(cfg.ConcurrencyLimit, exec, processor.Process, logger),
		finalizer: NewFinalizer(finCfg),
		logger:    logger,
	}, nil
}

// Run executes job. Re-running a job resumes it: completed chunks are never
// analyzed again, a failed job is reopened, and a committed job only has its
// idempotent completion steps (promotion, status) re-applied.
//
// Errors are *Error values. A job where no chunk succeeded returns an error
// wrapping ErrAggregateFailure; a job whose finalize kept failing returns one
// wrapping ErrFinalizeFailure. Both keep the job's progress, and both leave it
// failed unless its manifest was committed.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*Result, error) {
	if err := job.Validate(); err != nil {
		return nil, newError(KindValidation, "validate job", err)
	}
	logger := o.logger.With("job_key", job.Key)

	manifest, err := readManifestIfCommitted(ctx, o.blobs, job.Key)
	if err != nil {
		return nil, newError(KindTransient, "read manifest", err)
	}
	if manifest != nil {
		return o.finalizer.resume(ctx, job, manifest, logger)
	}

	rec, err := o.prepare(ctx, job, logger)
	if err != nil {
		return nil, err
	}

	plan, err := chunk.Plan(rec.TotalUnits)
	if err != nil {
		return nil, newError(KindValidation, "plan", err)
	}
	pending := chunk.Remaining(plan, rec.CompletedChunks)
	logger.Info("starting job",
		"total_units", rec.TotalUnits,
		"chunk_size", chunk.SizeFor(rec.TotalUnits),
		"chunks", len(plan),
		"already_completed", len(plan)-len(pending),
		"pending", len(pending),
		"concurrency", o.cfg.ConcurrencyLimit)

	failed := o.runChunks(ctx, job, pending, logger)
	if err := ctx.Err(); err != nil {
		return nil, newError(KindFatal, "run", err)
	}

	rec, err = o.status.Get(ctx, job.Key)
	if err != nil {
		return nil, newError(KindTransient, "read status", err)
	}
	if rec == nil {
		return nil, newError(KindFatal, "read status", fmt.Errorf("status record for %s is missing", job.Key))
	}

	if len(rec.CompletedChunks) == 0 {
		msg := fmt.Sprintf("no chunks succeeded: %d of %d failed", len(failed), len(plan))
		logger.Error("aborting job", "failed_chunks", chunk.Strings(failed))
		if _, err := o.status.Update(ctx, job.Key,
			status.SetStatus(status.StatusFailed),
			status.SetError(msg),
		); err != nil {
			logger.Error("failed to mark job failed", "error", err)
		}
		return nil, newError(KindFatal, "run", fmt.Errorf("%w: %s", ErrAggregateFailure, msg))
	}

	if len(failed) > 0 {
		logger.Warn("finalizing with failed chunks",
			"failed_chunks", chunk.Strings(failed),
			"completed_chunks", len(rec.CompletedChunks))
	}
	return o.finalizer.Finalize(ctx, job)
}

// prepare loads or creates the status record and moves it to in_progress.
func (o *Orchestrator) prepare(ctx context.Context, job Job, logger *slog.Logger) (*status.Record, error) {
	rec, created, err := o.status.Ensure(ctx, job.Key, job.TotalUnits, chunk.SizeFor(job.TotalUnits), o.cfg.ConcurrencyLimit)
	if err != nil {
		return nil, newError(KindOf(err), "init status", err)
	}

	var ts []status.Transition
	switch rec.Status {
	case status.StatusCompleted:
		return nil, newError(KindFatal, "init status",
			fmt.Errorf("job %s is completed but has no manifest; reset it to run again", job.Key))
	case status.StatusFailed:
		logger.Info("reopening failed job", "previous_error", rec.Error)
		ts = append(ts, status.Reopen())
	case status.StatusFinalizing:
		ts = append(ts, status.SetStatus(status.StatusRetrying))
	}
	ts = append(ts, status.SetStatus(status.StatusInProgress))

	rec, err = o.status.Update(ctx, job.Key, ts...)
	if err != nil {
		return nil, newError(KindOf(err), "start job", err)
	}
	if rec == nil {
		return nil, newError(KindFatal, "start job", fmt.Errorf("status record for %s is missing", job.Key))
	}
	if !created && rec.TotalUnits != job.TotalUnits {
		logger.Info("resuming with stored total units",
			"stored", rec.TotalUnits,
			"requested", job.TotalUnits)
	}
	return rec, nil
}

// runChunks analyzes pending chunks and records the ones that exhausted
// their retries. It returns the failed ranges.
func (o *Orchestrator) runChunks(ctx context.Context, job Job, pending []chunk.Range, logger *slog.Logger) []chunk.Range {
	if len(pending) == 0 {
		return nil
	}

	var (
		failed []chunk.Range
		ts     []status.Transition
	)
	for _, out := range o.pool.Run(ctx, job, pending) {
		if out.OK() {
			continue
		}
		failed = append(failed, out.Range)
		ts = append(ts, status.AddFailedChunk(out.Range))
		logger.Warn("chunk failed",
			"range", out.Range.String(),
			"attempts", out.Attempts,
			"kind", KindOf(out.Err).String(),
			"error", out.Err)
	}

	if len(ts) > 0 && ctx.Err() == nil {
		if _, err := o.status.Update(ctx, job.Key, ts...); err != nil {
			logger.Warn("failed to record failed chunks", "error", err)
		}
	}
	return failed
}
