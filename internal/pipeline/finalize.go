package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/folio/internal/analysis"
	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/chunk"
	"github.com/jackzampolin/folio/internal/status"
)

// Result describes a committed job.
type Result struct {
	JobKey         string
	ArtifactFolder string
	Manifest       *Manifest

	// Source is the final location of the source document.
	Source string

	// FailedChunks lists chunks left out of the artifacts by the latest run.
	FailedChunks []string

	// Record is the status record after completion. Nil if the record was
	// reset after the job committed.
	Record *status.Record
}

// Finalizer merges completed chunk partials into page artifacts, commits the
// manifest, promotes the source and cleans up. A failed attempt before the
// manifest is written deletes the pages it uploaded, and the whole phase is
// retried without touching completed chunks.
type Finalizer struct {
	blobs       blob.Store
	status      *status.Store
	maxAttempts int
	uploadLimit int
	backoff     time.Duration
	timer       retry.Timer
	logger      *slog.Logger
}

// NewFinalizer creates a Finalizer from a defaulted Config.
func NewFinalizer(cfg Config) *Finalizer {
	cfg.applyDefaults()
	return &Finalizer{
		blobs:       cfg.Blobs,
		status:      cfg.Status,
		maxAttempts: cfg.FinalizeMaxRetries,
		uploadLimit: cfg.UploadConcurrency,
		backoff:     cfg.RetryBackoffBase,
		timer:       cfg.Timer,
		logger:      cfg.Logger,
	}
}

// Finalize commits the artifacts of job. After every attempt fails the
// returned error wraps ErrFinalizeFailure and the job is marked failed, unless
// its manifest was committed.
func (f *Finalizer) Finalize(ctx context.Context, job Job) (*Result, error) {
	logger := f.logger.With("job_key", job.Key)

	var (
		res     *Result
		attempt int
	)
	err := retry.Do(
		func() error {
			attempt++
			r, err := f.attempt(ctx, job, logger.With("finalize_attempt", attempt))
			if err != nil {
				f.recordFailure(ctx, job, attempt, err, logger)
				return err
			}
			res = r
			return nil
		},
		f.options(ctx, &attempt)...,
	)
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, newError(KindFatal, "finalize", fmt.Errorf("%w (last error: %v)", ctxErr, err))
	}

	msg := fmt.Sprintf("finalize failed after %d attempts: %v", attempt, err)
	logger.Error("finalize exhausted", "attempts", attempt, "error", err)

	// A committed manifest means the job is complete; only its follow-up steps
	// are pending, and the next run resumes them.
	ts := []status.Transition{status.SetStatus(status.StatusFailed), status.SetError(msg)}
	if committed, exErr := blob.Exists(ctx, f.blobs, ManifestPath(ArtifactFolder(job.Key))); exErr == nil && committed {
		logger.Warn("manifest committed, leaving job resumable")
		ts = []status.Transition{status.SetError(msg)}
	}
	if _, uerr := f.status.Update(ctx, job.Key, ts...); uerr != nil {
		logger.Error("failed to record finalize failure", "error", uerr)
	}
	return nil, newError(KindFatal, "finalize", fmt.Errorf("%w after %d attempts: %w", ErrFinalizeFailure, attempt, err))
}

func (f *Finalizer) options(ctx context.Context, attempt *int) []retry.Option {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(f.maxAttempts)),
		retry.LastErrorOnly(true),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return f.backoff * time.Duration(*attempt)
		}),
		retry.RetryIf(retryable),
	}
	if f.timer != nil {
		opts = append(opts, retry.WithTimer(f.timer))
	}
	return opts
}

func (f *Finalizer) attempt(ctx context.Context, job Job, logger *slog.Logger) (*Result, error) {
	manifest, err := readManifestIfCommitted(ctx, f.blobs, job.Key)
	if err != nil {
		return nil, newError(KindTransient, "read manifest", err)
	}
	if manifest != nil {
		return f.resume(ctx, job, manifest, logger)
	}

	rec, err := f.enterFinalizing(ctx, job.Key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, newError(KindFatal, "enter finalizing", fmt.Errorf("status record for %s is missing", job.Key))
	}
	manifest, err = f.commit(ctx, job, rec.CompletedRanges(), logger)
	if err != nil {
		return nil, err
	}
	return f.complete(ctx, job, manifest, logger)
}

// resume re-applies the completion steps of a job whose manifest is already
// committed, such as after a crash between the manifest write and promotion.
func (f *Finalizer) resume(ctx context.Context, job Job, manifest *Manifest, logger *slog.Logger) (*Result, error) {
	logger.Info("manifest already committed, completing job")
	if _, err := f.enterFinalizing(ctx, job.Key); err != nil {
		return nil, err
	}
	return f.complete(ctx, job, manifest, logger)
}

// enterFinalizing moves the record to finalizing from whatever non-completed
// status it is in. A completed or missing record is returned unchanged.
func (f *Finalizer) enterFinalizing(ctx context.Context, key string) (*status.Record, error) {
	rec, err := f.status.Get(ctx, key)
	if err != nil {
		return nil, newError(KindTransient, "enter finalizing", err)
	}
	if rec == nil {
		return nil, nil
	}

	var ts []status.Transition
	switch rec.Status {
	case status.StatusCompleted, status.StatusFinalizing:
		return rec, nil
	case status.StatusFailed:
		ts = append(ts, status.Reopen())
	case status.StatusPending:
		ts = append(ts, status.SetStatus(status.StatusInProgress))
	}
	ts = append(ts, status.SetStatus(status.StatusFinalizing))

	rec, err = f.status.Update(ctx, key, ts...)
	if err != nil {
		return nil, newError(KindOf(err), "enter finalizing", err)
	}
	return rec, nil
}

// commit uploads every page of the completed chunks and then the manifest.
// If the manifest is not written, pages uploaded by this call are deleted.
func (f *Finalizer) commit(ctx context.Context, job Job, completed []chunk.Range, logger *slog.Logger) (*Manifest, error) {
	folder := ArtifactFolder(job.Key)
	uploaded := &uploadLog{id: uuid.NewString()}

	pages, err := f.merge(ctx, job.Key, completed)
	if err != nil {
		return nil, newError(KindTransient, "merge", err)
	}

	if err := f.upload(ctx, folder, pages, uploaded); err != nil {
		f.rollback(ctx, job.Key, uploaded, logger)
		return nil, newError(KindTransient, "upload pages", err)
	}
	if uploaded.count() == 0 {
		return nil, newError(KindValidation, "upload pages",
			fmt.Errorf("%w: %d completed chunks held no pages", ErrNoPages, len(completed)))
	}

	manifest := &Manifest{
		TotalPages:    len(pages),
		Pages:         analysis.PageNumbers(pages),
		FormatVersion: FormatVersion,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		f.rollback(ctx, job.Key, uploaded, logger)
		return nil, newError(KindFatal, "encode manifest", err)
	}
	if _, err := f.blobs.Write(ctx, ManifestPath(folder), data, blob.Condition{}); err != nil {
		f.rollback(ctx, job.Key, uploaded, logger)
		return nil, newError(KindTransient, "write manifest", err)
	}

	logger.Info("manifest committed",
		"folder", folder,
		"total_pages", manifest.TotalPages,
		"chunks", len(completed))
	return manifest, nil
}

// merge reads the partial of every completed chunk and returns its pages in
// ascending page order. When two chunks carry the same page, the chunk that
// starts earlier wins.
func (f *Finalizer) merge(ctx context.Context, key string, completed []chunk.Range) ([]analysis.PageRecord, error) {
	ranges := append([]chunk.Range(nil), completed...)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	byPage := make(map[int]analysis.PageRecord)
	for _, r := range ranges {
		part, err := readPartial(ctx, f.blobs, key, r)
		if err != nil {
			return nil, err
		}
		for _, p := range part.Pages {
			if _, dup := byPage[p.PageNumber]; dup {
				continue
			}
			byPage[p.PageNumber] = p
		}
	}

	pages := make([]analysis.PageRecord, 0, len(byPage))
	for _, p := range byPage {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })
	return pages, nil
}

func (f *Finalizer) upload(ctx context.Context, folder string, pages []analysis.PageRecord, uploaded *uploadLog) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.uploadLimit)

	for _, page := range pages {
		g.Go(func() error {
			data, err := json.Marshal(page)
			if err != nil {
				return fmt.Errorf("failed to encode page %d: %w", page.PageNumber, err)
			}
			p := PagePath(folder, page.PageNumber)
			if _, err := f.blobs.Write(gctx, p, data, blob.Condition{}); err != nil {
				return fmt.Errorf("failed to upload page %d: %w", page.PageNumber, err)
			}
			uploaded.add(p)
			return nil
		})
	}
	return g.Wait()
}

// rollback deletes the pages this attempt uploaded, unless a concurrent
// finalize of the same job has committed a manifest in the meantime.
func (f *Finalizer) rollback(ctx context.Context, key string, uploaded *uploadLog, logger *slog.Logger) {
	paths := uploaded.paths()
	if len(paths) == 0 {
		return
	}
	if committed, err := blob.Exists(ctx, f.blobs, ManifestPath(ArtifactFolder(key))); err == nil && committed {
		logger.Warn("manifest committed concurrently, keeping pages", "pages", len(paths))
		return
	}

	var g errgroup.Group
	g.SetLimit(f.uploadLimit)
	var failed sync.Map
	for _, p := range paths {
		g.Go(func() error {
			if err := f.blobs.Delete(ctx, p); err != nil {
				failed.Store(p, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	remaining := 0
	failed.Range(func(k, v any) bool {
		remaining++
		logger.Error("rollback failed to delete page", "path", k, "error", v)
		return true
	})
	logger.Warn("finalize rolled back",
		"upload_id", uploaded.id,
		"deleted", len(paths)-remaining,
		"remaining", remaining)
}

// complete promotes the source, marks the job completed and removes partials.
// Every step is idempotent so a committed job can be completed again.
func (f *Finalizer) complete(ctx context.Context, job Job, manifest *Manifest, logger *slog.Logger) (*Result, error) {
	folder := ArtifactFolder(job.Key)

	source, err := f.promote(ctx, job, logger)
	if err != nil {
		return nil, newError(KindTransient, "promote source", err)
	}

	rec, err := f.status.Update(ctx, job.Key,
		status.SetStatus(status.StatusCompleted),
		status.SetArtifactFolder(folder),
		status.ClearError(),
	)
	if err != nil {
		return nil, newError(KindOf(err), "mark completed", err)
	}
	if rec == nil {
		logger.Warn("status record missing for committed job")
	}

	f.cleanup(ctx, job.Key, logger)

	res := &Result{
		JobKey:         job.Key,
		ArtifactFolder: folder,
		Manifest:       manifest,
		Source:         source,
		Record:         rec,
	}
	if rec != nil {
		res.FailedChunks = rec.FailedChunks
	}
	logger.Info("job completed", "folder", folder, "total_pages", manifest.TotalPages, "source", source)
	return res, nil
}

// promote moves the source from staging to its destination. It is a no-op for
// remote documents, when source and destination coincide, or when the source
// was already moved.
func (f *Finalizer) promote(ctx context.Context, job Job, logger *slog.Logger) (string, error) {
	src := job.DocumentLocation
	dst := job.Destination()
	if dst == "" {
		return src, nil
	}
	if clean, err := blob.CleanPath(src); err == nil && clean == dst {
		return dst, nil
	}

	data, _, err := f.blobs.Read(ctx, src)
	if errors.Is(err, blob.ErrNotFound) {
		exists, exErr := blob.Exists(ctx, f.blobs, dst)
		if exErr != nil {
			return "", exErr
		}
		if !exists {
			logger.Warn("source document not found, skipping promotion", "source", src)
			return src, nil
		}
		return dst, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read source %s: %w", src, err)
	}

	if _, err := f.blobs.Write(ctx, dst, data, blob.Condition{}); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := f.blobs.Delete(ctx, src); err != nil {
		return "", fmt.Errorf("failed to remove staged source %s: %w", src, err)
	}
	logger.Info("source promoted", "from", src, "to", dst)
	return dst, nil
}

// cleanup deletes the partials of a committed job. Failures are only logged.
func (f *Finalizer) cleanup(ctx context.Context, key string, logger *slog.Logger) {
	paths, err := f.blobs.List(ctx, PartialPrefix(key))
	if err != nil {
		logger.Warn("failed to list partials for cleanup", "error", err)
		return
	}
	for _, p := range paths {
		if err := f.blobs.Delete(ctx, p); err != nil {
			logger.Warn("failed to delete partial", "path", p, "error", err)
		}
	}
}

func (f *Finalizer) recordFailure(ctx context.Context, job Job, attempt int, err error, logger *slog.Logger) {
	logger.Warn("finalize attempt failed",
		"attempt", attempt,
		"max_attempts", f.maxAttempts,
		"kind", KindOf(err).String(),
		"error", err)
	if ctx.Err() != nil || KindOf(err) == KindFatal {
		return
	}
	if _, uerr := f.status.Update(ctx, job.Key,
		status.IncrementRetry(),
		status.SetStatus(status.StatusRetrying),
		status.SetError(err.Error()),
	); uerr != nil {
		logger.Error("failed to record finalize retry", "error", uerr)
	}
}

// uploadLog tracks the page paths written by one finalize attempt.
type uploadLog struct {
	id string

	mu      sync.Mutex
	written []string
}

func (u *uploadLog) add(p string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.written = append(u.written, p)
}

func (u *uploadLog) paths() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.written...)
}

func (u *uploadLog) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.written)
}
