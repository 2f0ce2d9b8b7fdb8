package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackzampolin/folio/internal/analysis"
	"github.com/jackzampolin/folio/internal/status"
)

// Kind classifies a failure so retry policy can be decided by type.
type Kind int

const (
	// KindTransient failures are retried: timeouts, remote errors, store hiccups.
	KindTransient Kind = iota + 1

	// KindValidation marks results that came back but cannot be trusted, such
	// as an empty page list. They are retried like transient failures.
	KindValidation

	// KindFatal failures stop retrying immediately.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// ErrAggregateFailure means no chunk of the job has ever succeeded.
	ErrAggregateFailure = errors.New("no chunks succeeded")

	// ErrFinalizeFailure means every finalize attempt failed.
	ErrFinalizeFailure = errors.New("finalize failed")

	// ErrEmptyResult is a successful analysis call that returned no pages.
	ErrEmptyResult = errors.New("analysis returned no pages")

	// ErrNoPages means finalize found no pages in any completed chunk.
	ErrNoPages = errors.New("no pages to finalize")
)

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Unclassified errors are transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, status.ErrInvalidTransition):
		return KindFatal
	case analysis.IsPermanent(err):
		return KindFatal
	case errors.Is(err, context.Canceled):
		return KindFatal
	}
	return KindTransient
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	return err != nil && KindOf(err) != KindFatal
}
