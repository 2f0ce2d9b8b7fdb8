// Package pipeline runs document-analysis jobs: it plans chunks, analyzes them
// in bounded concurrent batches, and merges the results into committed artifacts.
//
// A job is resumable. Progress lives in a status record, so re-running the
// Orchestrator for the same job key only analyzes chunks that have not yet
// succeeded, and finalize failures never discard completed chunk work.
package pipeline

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/folio/internal/analysis"
	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/chunk"
	"github.com/jackzampolin/folio/internal/status"
)

const (
	DefaultConcurrencyLimit   = 5
	DefaultChunkMaxRetries    = 3
	DefaultRetryBackoffBase   = 5 * time.Second
	DefaultChunkTimeout       = 10 * time.Minute
	DefaultFinalizeMaxRetries = 3
	DefaultUploadConcurrency  = 20

	// FormatVersion is written into every manifest.
	FormatVersion = 1

	StagingPrefix   = "staging"
	DocumentsPrefix = "documents"
	PartialsPrefix  = "partials"
	ArtifactsPrefix = "artifacts"
	ManifestName    = "meta.json"
)

// Job identifies one document to analyze.
type Job struct {
	// Key is the stable job key, e.g. "<document-id>/full".
	Key string

	// DocumentLocation is the staging blob path (or http(s) URL) of the source.
	DocumentLocation string

	// PromoteTo is where the source moves after commit. Empty derives it
	// from DocumentLocation by swapping the staging prefix for documents.
	PromoteTo string

	// TotalUnits is the page count estimate used on the first run. Later runs
	// keep the value stored in the status record.
	TotalUnits int
}

// Validate checks the job can be planned.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Key) == "" {
		return fmt.Errorf("job key is required")
	}
	if _, err := blob.CleanPath(j.Key); err != nil {
		return fmt.Errorf("invalid job key %q: %w", j.Key, err)
	}
	if j.DocumentLocation == "" {
		return fmt.Errorf("document location is required")
	}
	if j.TotalUnits <= 0 {
		return fmt.Errorf("%w: %d", chunk.ErrInvalidTotal, j.TotalUnits)
	}
	return nil
}

// Destination returns where the source document is promoted to.
// An empty result means the source is not promoted (remote documents).
func (j Job) Destination() string {
	if j.PromoteTo != "" {
		return j.PromoteTo
	}
	if analysis.IsRemote(j.DocumentLocation) {
		return ""
	}
	loc, err := blob.CleanPath(j.DocumentLocation)
	if err != nil {
		return ""
	}
	if rest, ok := strings.CutPrefix(loc, StagingPrefix+"/"); ok {
		return blob.Join(DocumentsPrefix, rest)
	}
	return loc
}

// PartialPrefix is the folder holding a job's temp chunk results.
func PartialPrefix(key string) string {
	return blob.Join(PartialsPrefix, key) + "/"
}

// PartialPath is where the result of chunk r is kept until finalize.
func PartialPath(key string, r chunk.Range) string {
	return blob.Join(PartialsPrefix, key, r.String()+".json")
}

// ArtifactFolder is the committed output folder for a job.
func ArtifactFolder(key string) string {
	return blob.Join(ArtifactsPrefix, key)
}

// PagePath is the artifact path of one page.
func PagePath(folder string, page int) string {
	return blob.Join(folder, fmt.Sprintf("page_%d.json", page))
}

// ManifestPath is the commit marker of an artifact folder.
func ManifestPath(folder string) string {
	return blob.Join(folder, ManifestName)
}

// Config wires an Orchestrator.
type Config struct {
	Blobs    blob.Store
	Status   *status.Store
	Analysis analysis.Service
	Logger   *slog.Logger

	// ConcurrencyLimit is the number of chunks analyzed at once (default 5)
	ConcurrencyLimit int

	// ChunkMaxRetries is the number of extra attempts per chunk (default 3, negative for none)
	ChunkMaxRetries int

	// RetryBackoffBase is multiplied by the attempt number between attempts (default 5s)
	RetryBackoffBase time.Duration

	// ChunkTimeout bounds one analysis attempt (default 10m)
	ChunkTimeout time.Duration

	// FinalizeMaxRetries is the number of finalize attempts in total (default 3)
	FinalizeMaxRetries int

	// UploadConcurrency bounds parallel page uploads during finalize (default 20)
	UploadConcurrency int

	// Timer overrides how backoff delays are waited out (tests)
	Timer retry.Timer
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if c.ChunkMaxRetries == 0 {
		c.ChunkMaxRetries = DefaultChunkMaxRetries
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = DefaultChunkTimeout
	}
	if c.FinalizeMaxRetries <= 0 {
		c.FinalizeMaxRetries = DefaultFinalizeMaxRetries
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = DefaultUploadConcurrency
	}
}

func (c *Config) validate() error {
	if c.Blobs == nil {
		return fmt.Errorf("pipeline requires a blob store")
	}
	if c.Status == nil {
		return fmt.Errorf("pipeline requires a status store")
	}
	if c.Analysis == nil {
		return fmt.Errorf("pipeline requires an analysis service")
	}
	return nil
}
