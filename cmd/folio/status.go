package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/output"
	"github.com/jackzampolin/folio/internal/pipeline"
	"github.com/jackzampolin/folio/internal/svcctx"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-key>",
	Short: "Show the progress record of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cleanup, err := withServices(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		key := args[0]
		rec, err := svcctx.StatusFrom(ctx).Get(ctx, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no status record for %s", key)
		}

		manifest, err := pipeline.ReadManifest(ctx, svcctx.BlobsFrom(ctx), key)
		if err != nil && !errors.Is(err, blob.ErrNotFound) {
			return err
		}
		return output.Print(newRecordView(rec, manifest))
	},
}

var resetPartials bool

var resetCmd = &cobra.Command{
	Use:   "reset <job-key>",
	Short: "Delete the progress record of a job",
	Long: `Delete the progress record of a job so the next run starts from scratch.

Committed artifacts are left alone. With --partials the stored chunk results
are deleted too; otherwise a fresh run still re-analyzes every chunk but the
old partials are overwritten as it goes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cleanup, err := withServices(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		key := args[0]
		logger := svcctx.LoggerFrom(ctx)

		if err := svcctx.StatusFrom(ctx).Delete(ctx, key); err != nil {
			return err
		}
		logger.Info("status record deleted", "job_key", key)

		if !resetPartials {
			return nil
		}
		blobs := svcctx.BlobsFrom(ctx)
		paths, err := blobs.List(ctx, pipeline.PartialPrefix(key))
		if err != nil {
			return err
		}
		for _, p := range paths {
			if err := blobs.Delete(ctx, p); err != nil {
				return fmt.Errorf("failed to delete %s: %w", p, err)
			}
		}
		logger.Info("partials deleted", "job_key", key, "count", len(paths))
		return nil
	},
}

var pageCmd = &cobra.Command{
	Use:   "page <job-key> <page-number>",
	Short: "Print one committed page artifact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid page number: %q", args[1])
		}

		cleanup, err := withServices(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		page, err := pipeline.ReadPage(ctx, svcctx.BlobsFrom(ctx), args[0], n)
		if err != nil {
			return err
		}
		m, err := asMap(page)
		if err != nil {
			return err
		}
		return output.Print(m)
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetPartials, "partials", false, "also delete stored chunk results")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(pageCmd)
}
