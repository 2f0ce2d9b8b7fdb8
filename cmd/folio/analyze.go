package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/analysis"
	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/logging"
	"github.com/jackzampolin/folio/internal/output"
	"github.com/jackzampolin/folio/internal/pipeline"
	"github.com/jackzampolin/folio/internal/svcctx"
)

// errStagedMismatch means another file with the same name is already staged.
var errStagedMismatch = errors.New("a different document is already staged; rename the file or choose another name")

var (
	analyzeKey        string
	analyzeTotalUnits int
	analyzePromoteTo  string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file|url>",
	Short: "Analyze a document, resuming any earlier run of the same job",
	Long: `Analyze a PDF and commit one artifact per page.

A local file is staged into the blob store first and its page count is read
from the PDF. A URL is analyzed by reference and needs --total-units.

Running the same command again resumes the job: completed chunks are skipped
and a committed job returns its existing result.

Examples:
  folio analyze report.pdf
  folio analyze report.pdf --key reports/2024-q1
  folio analyze https://example.com/doc.pdf --total-units 240`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cleanup, err := withServices(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		svcs := svcctx.ServicesFrom(ctx)
		cfg := svcs.Config.Get().Resolved()

		svcs.Analysis, err = newAnalysis(cfg.Analysis, svcs.Blobs, svcs.Logger)
		if err != nil {
			return err
		}

		job, err := prepareJob(ctx, svcs.Blobs, args[0])
		if err != nil {
			return err
		}

		// Pick up log level edits while a long job runs.
		mgr := svcctx.ConfigFrom(ctx)
		mgr.OnChange(func(c *config.Config) {
			if logLevel == "" {
				svcs.LogLevel.Set(logging.ParseLevel(c.Logging.Level))
			}
		})
		if mgr.File() != "" {
			mgr.WatchConfig()
		}

		orch, err := pipeline.New(pipelineConfig(ctx, cfg.Pipeline))
		if err != nil {
			return err
		}

		res, err := orch.Run(ctx, job)
		if err != nil {
			svcs.Logger.Error("job failed",
				"job_key", job.Key,
				"kind", pipeline.KindOf(err).String(),
				"error", err)
			return err
		}
		return output.Print(newResultView(res))
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeKey, "key", "", "job key (default: <file name>/full)")
	analyzeCmd.Flags().IntVar(&analyzeTotalUnits, "total-units", 0, "page count estimate (required for URLs)")
	analyzeCmd.Flags().StringVar(&analyzePromoteTo, "promote-to", "", "final blob path of the source (default: documents/<file name>)")

	rootCmd.AddCommand(analyzeCmd)
}

// prepareJob builds the job for src, staging local files into blobs.
func prepareJob(ctx context.Context, blobs blob.Store, src string) (pipeline.Job, error) {
	job := pipeline.Job{
		Key:        analyzeKey,
		PromoteTo:  analyzePromoteTo,
		TotalUnits: analyzeTotalUnits,
	}

	if analysis.IsRemote(src) {
		u, err := url.Parse(src)
		if err != nil {
			return job, fmt.Errorf("invalid document url: %w", err)
		}
		if job.TotalUnits <= 0 {
			return job, fmt.Errorf("--total-units is required for url documents")
		}
		if job.Key == "" {
			job.Key = defaultKey(path.Base(u.Path))
		}
		job.DocumentLocation = src
		return job, nil
	}

	name := filepath.Base(src)
	if job.Key == "" {
		job.Key = defaultKey(name)
	}
	job.DocumentLocation = blob.Join(pipeline.StagingPrefix, name)

	// A committed job needs neither the file nor a page count.
	if m, err := pipeline.ReadManifest(ctx, blobs, job.Key); err == nil {
		if job.TotalUnits <= 0 {
			job.TotalUnits = m.TotalPages
		}
		return job, nil
	} else if !errors.Is(err, blob.ErrNotFound) {
		return job, err
	}

	staged, _, err := blobs.Read(ctx, job.DocumentLocation)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return job, fmt.Errorf("failed to read staged document: %w", err)
	}
	isStaged := err == nil

	data, err := os.ReadFile(src)
	local := err == nil
	switch {
	case err != nil && isStaged && errors.Is(err, os.ErrNotExist):
		// Interrupted earlier run; the staged copy is the document.
	case err != nil:
		return job, fmt.Errorf("failed to read document: %w", err)
	case isStaged && !bytes.Equal(data, staged):
		return job, fmt.Errorf("%w: %s", errStagedMismatch, job.DocumentLocation)
	}

	if job.TotalUnits <= 0 {
		var n int
		if local {
			n, err = analysis.CountPages(data)
		} else {
			n, err = analysis.CountStoredPages(ctx, blobs, job.DocumentLocation)
		}
		if err != nil {
			return job, fmt.Errorf("%w (pass --total-units for non-PDF documents)", err)
		}
		job.TotalUnits = n
	}

	if isStaged {
		return job, nil
	}
	_, err = blobs.Write(ctx, job.DocumentLocation, data, blob.IfAbsent())
	if errors.Is(err, blob.ErrConflict) {
		if staged, _, rerr := blobs.Read(ctx, job.DocumentLocation); rerr == nil && !bytes.Equal(data, staged) {
			return job, fmt.Errorf("%w: %s", errStagedMismatch, job.DocumentLocation)
		}
		err = nil
	}
	if err != nil {
		return job, fmt.Errorf("failed to stage document: %w", err)
	}
	return job, nil
}

// defaultKey derives "<name>/full" from a file name.
func defaultKey(name string) string {
	id := strings.TrimSuffix(name, path.Ext(name))
	if id == "" || id == "." || id == "/" {
		id = "document"
	}
	return id + "/full"
}
