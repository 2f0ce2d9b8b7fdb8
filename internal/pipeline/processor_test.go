package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/jackzampolin/folio/internal/analysis"
	"github.com/jackzampolin/folio/internal/chunk"
	"github.com/jackzampolin/folio/internal/status"
)

func newProcessorHarness(t *testing.T) (*harness, *Processor) {
	t.Helper()
	h := newHarness(t)
	if _, err := h.status.Init(context.Background(), testKey, 80, 50, 5); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return h, NewProcessor(h.blobs, h.status, h.svc, quietLogger())
}

func TestProcessor_Process(t *testing.T) {
	ctx := context.Background()
	h, p := newProcessorHarness(t)
	r := chunk.Range{Start: 51, End: 80}

	if err := p.Process(ctx, h.job(80), r); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	part, err := readPartial(ctx, h.blobs, testKey, r)
	if err != nil {
		t.Fatalf("readPartial() error = %v", err)
	}
	if part.Range != r || len(part.Pages) != 30 || part.Pages[0].PageNumber != 51 {
		t.Errorf("partial = %s with %d pages", part.Range, len(part.Pages))
	}
	if rec := h.record(t); !rec.HasCompleted(r) {
		t.Errorf("CompletedChunks = %v, want %s", rec.CompletedChunks, r)
	}
}

func TestProcessor_RejectsUntrustedResults(t *testing.T) {
	r := chunk.Range{Start: 1, End: 50}
	tests := []struct {
		name    string
		setup   func(m *analysis.MockService)
		wantErr error
	}{
		{
			name:    "empty result",
			setup:   func(m *analysis.MockService) { m.EmptyRanges = map[string]bool{r.String(): true} },
			wantErr: ErrEmptyResult,
		},
		{
			name: "page outside range",
			setup: func(m *analysis.MockService) {
				m.Pages = func(string, chunk.Range) []analysis.PageRecord {
					return []analysis.PageRecord{{PageNumber: 1, Content: "a"}, {PageNumber: 51, Content: "b"}}
				}
			},
		},
		{
			name: "page failing schema",
			setup: func(m *analysis.MockService) {
				m.Pages = func(string, chunk.Range) []analysis.PageRecord {
					return []analysis.PageRecord{{PageNumber: 0, Content: "a"}}
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h, p := newProcessorHarness(t)
			tt.setup(h.svc)

			err := p.Process(ctx, h.job(80), r)
			if KindOf(err) != KindValidation {
				t.Fatalf("Process() error = %v, want validation", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Process() error = %v, want %v", err, tt.wantErr)
			}
			if h.blobs.Has(PartialPath(testKey, r)) {
				t.Error("partial written for rejected result")
			}
			if rec := h.record(t); len(rec.CompletedChunks) != 0 {
				t.Errorf("CompletedChunks = %v, want none", rec.CompletedChunks)
			}
		})
	}
}

func TestProcessor_ClassifiesAnalysisErrors(t *testing.T) {
	r := chunk.Range{Start: 1, End: 50}
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"remote error", errors.New("connection reset"), KindTransient},
		{"rejected request", &analysis.APIError{StatusCode: 400, Message: "bad document"}, KindFatal},
		{"throttled", &analysis.APIError{StatusCode: 429}, KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, p := newProcessorHarness(t)
			h.svc.FailAlways = tt.err
			err := p.Process(context.Background(), h.job(80), r)
			if got := KindOf(err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProcessor_MissingStatusRecordIsFatal(t *testing.T) {
	h := newHarness(t)
	p := NewProcessor(h.blobs, h.status, h.svc, quietLogger())

	err := p.Process(context.Background(), h.job(80), chunk.Range{Start: 1, End: 50})
	if KindOf(err) != KindFatal {
		t.Errorf("Process() error = %v, want fatal", err)
	}
}

func TestProcessor_NeverRegressesCompletedStatus(t *testing.T) {
	ctx := context.Background()
	h, p := newProcessorHarness(t)
	if _, err := h.status.Update(ctx, testKey,
		status.SetStatus(status.StatusInProgress),
		status.SetStatus(status.StatusFinalizing),
		status.SetStatus(status.StatusCompleted),
	); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// A late duplicate worker still records its chunk.
	if err := p.Process(ctx, h.job(80), chunk.Range{Start: 1, End: 50}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rec := h.record(t); rec.Status != status.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
}
