package status

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jackzampolin/folio/internal/chunk"
)

// ErrInvalidTransition is returned when a transition violates the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

type transitionOp int

const (
	opAddCompleted transitionOp = iota + 1
	opAddFailed
	opSetStatus
	opIncrementRetry
	opSetError
	opClearError
	opSetArtifactFolder
	opReopen
)

// Transition is one validated change to a Record.
// Only the constructors in this file produce Transitions.
type Transition struct {
	op     transitionOp
	status Status
	value  string
}

// AddCompletedChunk records r as successfully processed.
func AddCompletedChunk(r chunk.Range) Transition {
	return Transition{op: opAddCompleted, value: r.String()}
}

// AddFailedChunk records that r exhausted its retries in the latest run.
func AddFailedChunk(r chunk.Range) Transition {
	return Transition{op: opAddFailed, value: r.String()}
}

// SetStatus moves the record to s.
func SetStatus(s Status) Transition {
	return Transition{op: opSetStatus, status: s}
}

// IncrementRetry bumps the finalize retry counter.
func IncrementRetry() Transition {
	return Transition{op: opIncrementRetry}
}

// SetError stores a human-readable error message.
func SetError(msg string) Transition {
	return Transition{op: opSetError, value: msg}
}

// ClearError removes any stored error message.
func ClearError() Transition {
	return Transition{op: opClearError}
}

// SetArtifactFolder points the record at the committed artifact folder.
func SetArtifactFolder(folder string) Transition {
	return Transition{op: opSetArtifactFolder, value: folder}
}

// Reopen moves a failed job back to in_progress so it can be re-run.
// Completed chunks are kept; the retry counter and error are reset.
func Reopen() Transition {
	return Transition{op: opReopen}
}

func (t Transition) String() string {
	switch t.op {
	case opAddCompleted:
		return "add_completed_chunk(" + t.value + ")"
	case opAddFailed:
		return "add_failed_chunk(" + t.value + ")"
	case opSetStatus:
		return "set_status(" + string(t.status) + ")"
	case opIncrementRetry:
		return "increment_retry"
	case opSetError:
		return "set_error"
	case opClearError:
		return "clear_error"
	case opSetArtifactFolder:
		return "set_artifact_folder(" + t.value + ")"
	case opReopen:
		return "reopen"
	default:
		return "unknown"
	}
}

func (t Transition) apply(rec *Record) error {
	switch t.op {
	case opAddCompleted:
		if _, err := chunk.ParseRange(t.value); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		if !slices.Contains(rec.CompletedChunks, t.value) {
			rec.CompletedChunks = append(rec.CompletedChunks, t.value)
			chunk.Sort(rec.CompletedChunks)
		}
		rec.FailedChunks = slices.DeleteFunc(rec.FailedChunks, func(s string) bool { return s == t.value })

	case opAddFailed:
		if slices.Contains(rec.CompletedChunks, t.value) || slices.Contains(rec.FailedChunks, t.value) {
			return nil
		}
		rec.FailedChunks = append(rec.FailedChunks, t.value)
		chunk.Sort(rec.FailedChunks)

	case opSetStatus:
		if !t.status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, t.status)
		}
		if !rec.Status.CanTransition(t.status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, t.status)
		}
		rec.Status = t.status

	case opIncrementRetry:
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: retry on %s job", ErrInvalidTransition, rec.Status)
		}
		rec.RetryCount++

	case opSetError:
		rec.Error = t.value

	case opClearError:
		rec.Error = ""

	case opSetArtifactFolder:
		rec.ArtifactFolder = t.value

	case opReopen:
		switch rec.Status {
		case StatusCompleted:
			return fmt.Errorf("%w: cannot reopen completed job", ErrInvalidTransition)
		case StatusFailed:
			rec.Status = StatusInProgress
			rec.RetryCount = 0
			rec.Error = ""
			rec.FailedChunks = nil
		}

	default:
		return fmt.Errorf("%w: unknown transition", ErrInvalidTransition)
	}
	return nil
}
