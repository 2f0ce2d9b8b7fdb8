package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/folio/internal/analysis"
	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/chunk"
	"github.com/jackzampolin/folio/internal/status"
)

// Partial is the temp result of one chunk, kept until finalize merges it.
type Partial struct {
	JobKey    string                `json:"job_key"`
	Range     chunk.Range           `json:"range"`
	Pages     []analysis.PageRecord `json:"pages"`
	CreatedAt time.Time             `json:"created_at"`
}

// Processor analyzes one chunk and records it as completed.
type Processor struct {
	blobs    blob.Store
	status   *status.Store
	analysis analysis.Service
	logger   *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(blobs blob.Store, st *status.Store, svc analysis.Service, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{blobs: blobs, status: st, analysis: svc, logger: logger}
}

// Process analyzes r, validates the pages, stores them as a partial and marks
// r completed. A non-nil error is always a *Error.
func (p *Processor) Process(ctx context.Context, job Job, r chunk.Range) error {
	pages, err := p.analysis.Analyze(ctx, job.DocumentLocation, r)
	if err != nil {
		return newError(KindOf(err), "analyze "+r.String(), err)
	}

	if err := validatePages(pages, r); err != nil {
		return newError(KindValidation, "validate "+r.String(), err)
	}

	data, err := json.Marshal(Partial{
		JobKey:    job.Key,
		Range:     r,
		Pages:     pages,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return newError(KindFatal, "encode "+r.String(), err)
	}
	if _, err := p.blobs.Write(ctx, PartialPath(job.Key, r), data, blob.Condition{}); err != nil {
		return newError(KindTransient, "store partial "+r.String(), err)
	}

	rec, err := p.status.Update(ctx, job.Key, status.AddCompletedChunk(r))
	if err != nil {
		return newError(KindOf(err), "record "+r.String(), err)
	}
	if rec == nil {
		return newError(KindFatal, "record "+r.String(), fmt.Errorf("status record for %s is missing", job.Key))
	}

	p.logger.Debug("chunk completed",
		"job_key", job.Key,
		"range", r.String(),
		"pages", len(pages),
		"completed_chunks", len(rec.CompletedChunks))
	return nil
}

// validatePages rejects empty results, pages outside r and records that do
// not match the page schema.
func validatePages(pages []analysis.PageRecord, r chunk.Range) error {
	if len(pages) == 0 {
		return ErrEmptyResult
	}
	if err := analysis.ValidateRange(pages, r); err != nil {
		return err
	}
	var errs []error
	for _, page := range pages {
		if err := analysis.ValidatePage(page); err != nil {
			errs = append(errs, fmt.Errorf("page %d: %w", page.PageNumber, err))
		}
	}
	return errors.Join(errs...)
}

// readPartial loads the stored result of chunk r.
func readPartial(ctx context.Context, blobs blob.Reader, key string, r chunk.Range) (*Partial, error) {
	data, _, err := blobs.Read(ctx, PartialPath(key, r))
	if err != nil {
		return nil, fmt.Errorf("failed to read partial %s: %w", r, err)
	}
	var part Partial
	if err := json.Unmarshal(data, &part); err != nil {
		return nil, fmt.Errorf("failed to decode partial %s: %w", r, err)
	}
	return &part, nil
}
