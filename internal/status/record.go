// Package status persists the progress record of a document-analysis job.
//
// A Record is only ever changed through Store.Update, which applies a list of
// Transitions inside a compare-and-swap loop against the blob store. Concurrent
// or duplicate workers therefore never drop each other's progress.
package status

import (
	"slices"
	"time"

	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/chunk"
)

// Status is the phase of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusRetrying   Status = "retrying"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// transitions lists the forward moves allowed from each status.
// Self-transitions are allowed so repeated writes are idempotent.
var transitions = map[Status][]Status{
	StatusPending:    {StatusPending, StatusInProgress, StatusFailed},
	StatusInProgress: {StatusInProgress, StatusRetrying, StatusFinalizing, StatusFailed},
	StatusRetrying:   {StatusRetrying, StatusInProgress, StatusFinalizing, StatusFailed},
	StatusFinalizing: {StatusFinalizing, StatusRetrying, StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusCompleted},
	StatusFailed:     {StatusFailed},
}

// CanTransition reports whether the state machine allows s -> to.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Record is the durable progress record for one job.
type Record struct {
	JobKey           string    `json:"job_key"`
	Status           Status    `json:"status"`
	TotalUnits       int       `json:"total_units"`
	UnitChunkSize    int       `json:"unit_chunk_size"`
	ConcurrencyLimit int       `json:"concurrency_limit"`
	CompletedChunks  []string  `json:"completed_chunks"`
	FailedChunks     []string  `json:"failed_chunks,omitempty"`
	RetryCount       int       `json:"retry_count"`
	Error            string    `json:"error,omitempty"`
	ArtifactFolder   string    `json:"artifact_folder,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`

	// Version is the blob version the record was read at.
	Version blob.Version `json:"-"`
}

// HasCompleted reports whether r is in CompletedChunks.
func (rec *Record) HasCompleted(r chunk.Range) bool {
	return slices.Contains(rec.CompletedChunks, r.String())
}

// CompletedRanges parses CompletedChunks, skipping malformed entries.
func (rec *Record) CompletedRanges() []chunk.Range {
	out := make([]chunk.Range, 0, len(rec.CompletedChunks))
	for _, s := range rec.CompletedChunks {
		r, err := chunk.ParseRange(s)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (rec *Record) clone() *Record {
	out := *rec
	out.CompletedChunks = slices.Clone(rec.CompletedChunks)
	out.FailedChunks = slices.Clone(rec.FailedChunks)
	return &out
}
