package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/folio/internal/chunk"
)

// Task is one attempt at processing a chunk.
type Task func(ctx context.Context) error

// Outcome is the final result of running a chunk with retries.
type Outcome struct {
	Range    chunk.Range
	Attempts int
	Err      error
}

// OK reports whether the chunk eventually succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Executor runs a Task with a per-attempt timeout and linear backoff.
type Executor struct {
	maxRetries int
	base       time.Duration
	timeout    time.Duration
	timer      retry.Timer
	logger     *slog.Logger
}

// NewExecutor creates an Executor making up to maxRetries+1 attempts,
// waiting base*attempt between them.
func NewExecutor(maxRetries int, base, timeout time.Duration, timer retry.Timer, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Executor{
		maxRetries: maxRetries,
		base:       base,
		timeout:    timeout,
		timer:      timer,
		logger:     logger,
	}
}

// Run executes task for r until it succeeds, fails fatally or runs out of
// attempts. It never returns an error or panics; failures are in the Outcome.
func (e *Executor) Run(ctx context.Context, r chunk.Range, task Task) Outcome {
	attempt := 0

	err := retry.Do(
		func() error {
			attempt++
			return e.attempt(ctx, r, task)
		},
		e.options(ctx, r, &attempt)...,
	)
	if err != nil && ctx.Err() != nil && KindOf(err) != KindFatal {
		err = newError(KindFatal, "run "+r.String(), fmt.Errorf("%w (last error: %v)", ctx.Err(), err))
	}
	return Outcome{Range: r, Attempts: attempt, Err: err}
}

// attempt runs task under the per-attempt timeout. A task that ignores its
// context is abandoned at the deadline and finishes in the background; its
// late writes are idempotent.
func (e *Executor) attempt(ctx context.Context, r chunk.Range, task Task) error {
	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- newError(KindFatal, "process "+r.String(), fmt.Errorf("panic: %v", p))
			}
		}()
		done <- task(actx)
	}()

	var err error
	select {
	case err = <-done:
	case <-actx.Done():
		select {
		case err = <-done:
		default:
			err = actx.Err()
		}
	}

	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return newError(KindTransient, "process "+r.String(),
			fmt.Errorf("attempt timed out after %s: %w", e.timeout, err))
	}
	return err
}

func (e *Executor) options(ctx context.Context, r chunk.Range, attempt *int) []retry.Option {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(e.maxRetries + 1)),
		retry.LastErrorOnly(true),
		retry.DelayType(func(_ uint, _ error, _ *retry.Config) time.Duration {
			return e.base * time.Duration(*attempt)
		}),
		retry.RetryIf(retryable),
		retry.OnRetry(func(_ uint, err error) {
			e.logger.Warn("chunk attempt failed",
				"range", r.String(),
				"attempt", *attempt,
				"max_attempts", e.maxRetries+1,
				"kind", KindOf(err).String(),
				"error", err)
		}),
	}
	if e.timer != nil {
		opts = append(opts, retry.WithTimer(e.timer))
	}
	return opts
}
