package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/analysis"
	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/logging"
	"github.com/jackzampolin/folio/internal/pipeline"
	"github.com/jackzampolin/folio/internal/status"
	"github.com/jackzampolin/folio/internal/svcctx"
)

// withServices loads config, opens the blob store and attaches everything to
// the command context. The returned func releases backend connections.
func withServices(cmd *cobra.Command) (func(), error) {
	ctx := cmd.Context()

	h, err := home.New(homeDir)
	if err != nil {
		return nil, err
	}
	mgr, err := config.NewManager(cfgFile, h.Path())
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get().Resolved()

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(levelName(cfg)))
	logger := logging.New(os.Stderr, level, cfg.Logging.Format)
	slog.SetDefault(logger)

	blobs, closeStore, err := openStore(ctx, cfg.Store, h)
	if err != nil {
		return nil, err
	}
	st, err := status.NewStore(status.StoreConfig{Blobs: blobs, Logger: logger})
	if err != nil {
		closeStore()
		return nil, err
	}

	svcs := &svcctx.Services{
		Config:   mgr,
		Home:     h,
		Blobs:    blobs,
		Status:   st,
		Logger:   logger,
		LogLevel: level,
		Close: func() error {
			closeStore()
			return nil
		},
	}
	cmd.SetContext(svcctx.WithServices(ctx, svcs))

	return func() {
		if svcs.Close != nil {
			_ = svcs.Close()
		}
	}, nil
}

// levelName applies the --log-level override.
func levelName(cfg *config.Config) string {
	if logLevel != "" {
		return logLevel
	}
	return cfg.Logging.Level
}

// openStore builds the configured blob backend.
func openStore(ctx context.Context, cfg config.StoreCfg, h *home.Dir) (blob.Store, func(), error) {
	noop := func() {}

	switch cfg.Backend {
	case "", "fs":
		root := cfg.FS.Root
		if root == "" {
			if err := h.EnsureExists(); err != nil {
				return nil, nil, err
			}
			root = h.DataPath()
		}
		s, err := blob.NewFSStore(root)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil

	case "minio":
		s, err := blob.NewMinioStore(blob.MinioConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		return s, noop, nil

	case "sqlite":
		dsn := cfg.SQL.DSN
		if dsn == "" {
			if err := os.MkdirAll(h.Path(), 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create home directory: %w", err)
			}
			dsn = h.DatabasePath()
		}
		s, err := blob.OpenSQLStore(ctx, blob.DialectSQLite, dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case "postgres":
		if cfg.SQL.DSN == "" {
			return nil, nil, fmt.Errorf("store.sql.dsn is required for the postgres backend")
		}
		s, err := blob.OpenSQLStore(ctx, blob.DialectPostgres, cfg.SQL.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case "memory":
		return blob.NewMemoryStore(), noop, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

// newAnalysis builds the configured analysis service. Stored documents are
// read back through blobs.
func newAnalysis(cfg config.AnalysisCfg, blobs blob.Reader, logger *slog.Logger) (analysis.Service, error) {
	switch cfg.Type {
	case "", analysis.MistralName:
		return analysis.NewMistralClient(analysis.MistralConfig{
			APIKey:            cfg.APIKey,
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			Timeout:           cfg.Timeout,
			RequestsPerMinute: cfg.RateLimit,
			Documents:         blobs,
			Logger:            logger,
		})
	case "mock":
		return analysis.NewMockService(), nil
	default:
		return nil, fmt.Errorf("unknown analysis type: %q", cfg.Type)
	}
}

// pipelineConfig maps config and the services in ctx onto the orchestrator.
func pipelineConfig(ctx context.Context, cfg config.PipelineCfg) pipeline.Config {
	return pipeline.Config{
		Blobs:              svcctx.BlobsFrom(ctx),
		Status:             svcctx.StatusFrom(ctx),
		Analysis:           svcctx.AnalysisFrom(ctx),
		Logger:             svcctx.LoggerFrom(ctx),
		ConcurrencyLimit:   cfg.ConcurrencyLimit,
		ChunkMaxRetries:    cfg.ChunkMaxRetries,
		RetryBackoffBase:   cfg.RetryBackoffBase,
		ChunkTimeout:       cfg.ChunkTimeout,
		FinalizeMaxRetries: cfg.FinalizeMaxRetries,
		UploadConcurrency:  cfg.UploadConcurrency,
	}
}
