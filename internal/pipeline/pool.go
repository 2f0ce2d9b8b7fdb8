package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/folio/internal/chunk"
)

// ProcessFunc processes one chunk of a job.
type ProcessFunc func(ctx context.Context, job Job, r chunk.Range) error

// Pool runs chunks in fixed-size batches. Every chunk of a batch runs
// concurrently and the batch waits for all of them before the next starts,
// so at most size analysis calls are in flight regardless of document size.
type Pool struct {
	size    int
	exec    *Executor
	process ProcessFunc
	logger  *slog.Logger
}

// NewPool creates a Pool running process through exec, size chunks at a time.
func NewPool(size int, exec *Executor, process ProcessFunc, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultConcurrencyLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{size: size, exec: exec, process: process, logger: logger}
}

// Run processes pending and returns one Outcome per range in the same order.
// A failing chunk never cancels its siblings or later batches. If ctx is done
// between batches, the unstarted chunks are reported with ctx's error.
func (p *Pool) Run(ctx context.Context, job Job, pending []chunk.Range) []Outcome {
	results := make([]Outcome, 0, len(pending))
	batches := (len(pending) + p.size - 1) / p.size

	for start, n := 0, 1; start < len(pending); start, n = start+p.size, n+1 {
		if err := ctx.Err(); err != nil {
			for _, r := range pending[start:] {
				results = append(results, Outcome{Range: r, Err: err})
			}
			break
		}

		end := min(start+p.size, len(pending))
		batch := pending[start:end]
		outcomes := make([]Outcome, len(batch))

		var g errgroup.Group
		for i, r := range batch {
			g.Go(func() error {
				outcomes[i] = p.exec.Run(ctx, r, func(actx context.Context) error {
					return p.process(actx, job, r)
				})
				return nil
			})
		}
		_ = g.Wait()

		succeeded := 0
		for _, o := range outcomes {
			if o.OK() {
				succeeded++
			}
		}
		p.logger.Info("batch complete",
			"job_key", job.Key,
			"batch", n,
			"batches", batches,
			"succeeded", succeeded,
			"failed", len(batch)-succeeded)

		results = append(results, outcomes...)
	}
	return results
}
