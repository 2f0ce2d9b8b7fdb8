// Package svcctx provides service context for dependency injection via context.
// This package is separate from cmd to keep commands free of construction code.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/folio/internal/analysis"
	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/status"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Config   *config.Manager
	Home     *home.Dir
	Blobs    blob.Store
	Status   *status.Store
	Analysis analysis.Service
	Logger   *slog.Logger
	LogLevel *slog.LevelVar

	// Close releases backend connections. May be nil.
	Close func() error
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}

// BlobsFrom extracts the blob store from context.
func BlobsFrom(ctx context.Context) blob.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Blobs
	}
	return nil
}

// StatusFrom extracts the status store from context.
func StatusFrom(ctx context.Context) *status.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Status
	}
	return nil
}

// AnalysisFrom extracts the analysis service from context.
func AnalysisFrom(ctx context.Context) analysis.Service {
	if s := ServicesFrom(ctx); s != nil {
		return s.Analysis
	}
	return nil
}

// LoggerFrom extracts the logger from context, falling back to slog.Default.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
