package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackzampolin/folio/internal/analysis"
	"github.com/jackzampolin/folio/internal/blob"
)

// Manifest is the commit marker of a job's artifact folder. Page blobs without
// a manifest belong to an unfinished or rolled-back finalize and must be ignored.
type Manifest struct {
	TotalPages    int   `json:"total_pages"`
	Pages         []int `json:"pages"`
	FormatVersion int   `json:"format_version"`
}

// ReadManifest returns the committed manifest of a job.
// A job that has not committed returns an error wrapping blob.ErrNotFound.
func ReadManifest(ctx context.Context, blobs blob.Reader, key string) (*Manifest, error) {
	data, _, err := blobs.Read(ctx, ManifestPath(ArtifactFolder(key)))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest for %s: %w", key, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest for %s: %w", key, err)
	}
	return &m, nil
}

// ReadPage returns one committed page. It refuses to read pages of a job
// without a manifest.
func ReadPage(ctx context.Context, blobs blob.Reader, key string, page int) (*analysis.PageRecord, error) {
	if _, err := ReadManifest(ctx, blobs, key); err != nil {
		return nil, err
	}
	data, _, err := blobs.Read(ctx, PagePath(ArtifactFolder(key), page))
	if err != nil {
		return nil, fmt.Errorf("failed to read page %d of %s: %w", page, key, err)
	}
	var rec analysis.PageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode page %d of %s: %w", page, key, err)
	}
	return &rec, nil
}

// readManifestIfCommitted returns nil, nil when no manifest exists.
func readManifestIfCommitted(ctx context.Context, blobs blob.Reader, key string) (*Manifest, error) {
	m, err := ReadManifest(ctx, blobs, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	return m, err
}
