package analysis

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/chunk"
)

func pdfConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// CountPages returns the number of pages in a PDF.
func CountPages(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), pdfConfig())
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// CountStoredPages reads a PDF from the blob store and counts its pages.
// Callers use it to estimate total units for a job.
func CountStoredPages(ctx context.Context, src blob.Reader, location string) (int, error) {
	data, _, err := src.Read(ctx, location)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", location, err)
	}
	return CountPages(data)
}

// SlicePages returns a PDF holding only the pages in r.
func SlicePages(data []byte, r chunk.Range) ([]byte, error) {
	var out bytes.Buffer
	if err := api.Trim(bytes.NewReader(data), &out, []string{r.String()}, pdfConfig()); err != nil {
		return nil, fmt.Errorf("failed to extract pages %s: %w", r, err)
	}
	return out.Bytes(), nil
}
