package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jackzampolin/folio/internal/analysis"
	"github.com/jackzampolin/folio/internal/chunk"
	"github.com/jackzampolin/folio/internal/status"
)

func TestOrchestrator_Run(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.orch.Run(ctx, h.job(120))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.ArtifactFolder != "artifacts/doc-1/full" {
		t.Errorf("ArtifactFolder = %s", res.ArtifactFolder)
	}
	if res.Manifest.TotalPages != 120 || !reflect.DeepEqual(res.Manifest.Pages, pageRange(1, 120)) {
		t.Errorf("manifest = %d pages %v", res.Manifest.TotalPages, res.Manifest.Pages)
	}
	if res.Manifest.FormatVersion != FormatVersion {
		t.Errorf("FormatVersion = %d", res.Manifest.FormatVersion)
	}

	for _, r := range []chunk.Range{{Start: 1, End: 100}, {Start: 101, End: 120}} {
		if n := h.svc.Calls(r); n != 1 {
			t.Errorf("calls for %s = %d, want 1", r, n)
		}
	}

	rec := h.record(t)
	if rec.Status != status.StatusCompleted || rec.ArtifactFolder != res.ArtifactFolder {
		t.Errorf("record = %s %q", rec.Status, rec.ArtifactFolder)
	}
	if want := []string{"1-100", "101-120"}; !reflect.DeepEqual(rec.CompletedChunks, want) {
		t.Errorf("CompletedChunks = %v, want %v", rec.CompletedChunks, want)
	}

	if res.Source != "documents/doc-1.pdf" || !h.blobs.Has("documents/doc-1.pdf") || h.blobs.Has(testStaging) {
		t.Errorf("source not promoted: %s", res.Source)
	}
	if left := h.paths(t, PartialPrefix(testKey)); len(left) != 0 {
		t.Errorf("partials not cleaned up: %v", left)
	}

	page, err := ReadPage(ctx, h.blobs, testKey, 101)
	if err != nil {
		t.Fatalf("ReadPage() error = %v", err)
	}
	if page.PageNumber != 101 || page.Content == "" {
		t.Errorf("page 101 = %+v", page)
	}
}

func TestOrchestrator_ResumeSkipsCompletedChunks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	done := chunk.Range{Start: 1, End: 100}
	if _, err := h.status.Init(ctx, testKey, 250, 100, 5); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := h.status.Update(ctx, testKey, status.SetStatus(status.StatusInProgress), status.AddCompletedChunk(done)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	pages, _ := analysis.NewMockService().Analyze(ctx, testStaging, done)
	data, _ := json.Marshal(Partial{JobKey: testKey, Range: done, Pages: pages})
	h.blobs.Put(PartialPath(testKey, done), data)

	res, err := h.orch.Run(ctx, h.job(250))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if n := h.svc.Calls(done); n != 0 {
		t.Errorf("completed chunk analyzed %d times, want 0", n)
	}
	if n := h.svc.TotalCalls(); n != 2 {
		t.Errorf("total calls = %d, want 2", n)
	}
	if res.Manifest.TotalPages != 250 {
		t.Errorf("TotalPages = %d, want 250", res.Manifest.TotalPages)
	}
}

func TestOrchestrator_AllChunksFail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.svc.FailAlways = errors.New("service unavailable")

	_, err := h.orch.Run(ctx, h.job(80))
	if !errors.Is(err, ErrAggregateFailure) {
		t.Fatalf("Run() error = %v, want ErrAggregateFailure", err)
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindFatal {
		t.Errorf("error = %#v, want fatal *Error", err)
	}

	for _, r := range []chunk.Range{{Start: 1, End: 50}, {Start: 51, End: 80}} {
		if n := h.svc.Calls(r); n != DefaultChunkMaxRetries+1 {
			t.Errorf("attempts for %s = %d, want %d", r, n, DefaultChunkMaxRetries+1)
		}
	}

	rec := h.record(t)
	if rec.Status != status.StatusFailed || rec.Error == "" {
		t.Errorf("record = %s %q", rec.Status, rec.Error)
	}
	if want := []string{"1-50", "51-80"}; !reflect.DeepEqual(rec.FailedChunks, want) {
		t.Errorf("FailedChunks = %v, want %v", rec.FailedChunks, want)
	}
	if h.blobs.Has(ManifestPath(ArtifactFolder(testKey))) {
		t.Error("manifest written for failed job")
	}
	if !h.blobs.Has(testStaging) || h.blobs.Has("documents/doc-1.pdf") {
		t.Error("source promoted for failed job")
	}

	// Re-running a failed job is the recovery path.
	h.svc.FailAlways = nil
	res, err := h.orch.Run(ctx, h.job(80))
	if err != nil {
		t.Fatalf("re-Run() error = %v", err)
	}
	if res.Manifest.TotalPages != 80 {
		t.Errorf("TotalPages = %d, want 80", res.Manifest.TotalPages)
	}
	if rec := h.record(t); rec.Status != status.StatusCompleted || len(rec.FailedChunks) != 0 {
		t.Errorf("record after recovery = %s failed=%v", rec.Status, rec.FailedChunks)
	}
}

func TestOrchestrator_PartialSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bad := chunk.Range{Start: 101, End: 200}
	h.svc.FailRanges = map[string]error{bad.String(): errors.New("remote error")}

	res, err := h.orch.Run(ctx, h.job(250))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if n := h.svc.Calls(bad); n != DefaultChunkMaxRetries+1 {
		t.Errorf("attempts for failing chunk = %d, want %d", n, DefaultChunkMaxRetries+1)
	}
	want := append(pageRange(1, 100), pageRange(201, 250)...)
	if res.Manifest.TotalPages != 150 || !reflect.DeepEqual(res.Manifest.Pages, want) {
		t.Errorf("manifest = %d pages", res.Manifest.TotalPages)
	}
	if !reflect.DeepEqual(res.FailedChunks, []string{"101-200"}) {
		t.Errorf("FailedChunks = %v", res.FailedChunks)
	}
	if h.blobs.Has(PagePath(res.ArtifactFolder, 150)) {
		t.Error("page from failed chunk was written")
	}
	if rec := h.record(t); rec.Status != status.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
}

func TestOrchestrator_PermanentErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.svc.FailRanges = map[string]error{"51-80": &analysis.APIError{StatusCode: 401, Message: "bad key"}}

	res, err := h.orch.Run(context.Background(), h.job(80))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := h.svc.Calls(chunk.Range{Start: 51, End: 80}); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	if res.Manifest.TotalPages != 50 {
		t.Errorf("TotalPages = %d, want 50", res.Manifest.TotalPages)
	}
}

func TestOrchestrator_OrderingIndependentOfCompletion(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ConcurrencyLimit = 5 })
	// Later chunks finish first.
	h.svc.LatencyFor = func(r chunk.Range) time.Duration {
		return time.Duration(1000-r.Start) * time.Microsecond * 10
	}

	res, err := h.orch.Run(context.Background(), h.job(1000))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !reflect.DeepEqual(res.Manifest.Pages, pageRange(1, 1000)) {
		t.Errorf("pages not contiguous and sorted: %d entries", len(res.Manifest.Pages))
	}
	if got := len(h.paths(t, res.ArtifactFolder+"/page_")); got != 1000 {
		t.Errorf("page artifacts = %d, want 1000", got)
	}
}

func TestOrchestrator_EmptyResultsAbort(t *testing.T) {
	h := newHarness(t)
	h.svc.EmptyRanges = map[string]bool{"1-50": true, "51-80": true}

	_, err := h.orch.Run(context.Background(), h.job(80))
	if !errors.Is(err, ErrAggregateFailure) {
		t.Fatalf("Run() error = %v, want ErrAggregateFailure", err)
	}
	if n := h.svc.Calls(chunk.Range{Start: 1, End: 50}); n != DefaultChunkMaxRetries+1 {
		t.Errorf("empty result attempts = %d, want %d", n, DefaultChunkMaxRetries+1)
	}
}

func TestOrchestrator_CommittedJobShortCircuits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.orch.Run(ctx, h.job(80))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	calls := h.svc.TotalCalls()

	// Simulate a crash between manifest commit and promotion.
	src, _, _ := h.blobs.Read(ctx, "documents/doc-1.pdf")
	h.blobs.Put(testStaging, src)
	_ = h.blobs.Delete(ctx, "documents/doc-1.pdf")

	second, err := h.orch.Run(ctx, h.job(80))
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if h.svc.TotalCalls() != calls {
		t.Errorf("committed job re-analyzed: %d calls, want %d", h.svc.TotalCalls(), calls)
	}
	if !reflect.DeepEqual(first.Manifest, second.Manifest) {
		t.Errorf("manifest changed: %+v vs %+v", first.Manifest, second.Manifest)
	}
	if h.blobs.Has(testStaging) || !h.blobs.Has("documents/doc-1.pdf") {
		t.Error("re-run did not finish promotion")
	}
	if rec := h.record(t); rec.Status != status.StatusCompleted {
		t.Errorf("status = %s", rec.Status)
	}
}

func TestOrchestrator_ValidatesJob(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		job  Job
	}{
		{"missing key", Job{DocumentLocation: testStaging, TotalUnits: 10}},
		{"missing location", Job{Key: testKey, TotalUnits: 10}},
		{"zero units", Job{Key: testKey, DocumentLocation: testStaging}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Run(context.Background(), tt.job)
			if KindOf(err) != KindValidation {
				t.Errorf("Run() error = %v, want validation", err)
			}
		})
	}
	if h.svc.TotalCalls() != 0 {
		t.Error("invalid job reached the analysis service")
	}
}

func TestOrchestrator_RemoteDocumentIsNotPromoted(t *testing.T) {
	h := newHarness(t)
	job := Job{Key: testKey, DocumentLocation: "https://example.com/doc.pdf", TotalUnits: 10}

	res, err := h.orch.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Source != job.DocumentLocation {
		t.Errorf("Source = %s", res.Source)
	}
}

func TestJob_Destination(t *testing.T) {
	tests := []struct {
		job  Job
		want string
	}{
		{Job{DocumentLocation: "staging/a/b.pdf"}, "documents/a/b.pdf"},
		{Job{DocumentLocation: "/staging/b.pdf"}, "documents/b.pdf"},
		{Job{DocumentLocation: "inbox/b.pdf"}, "inbox/b.pdf"},
		{Job{DocumentLocation: "staging/b.pdf", PromoteTo: "library/b.pdf"}, "library/b.pdf"},
		{Job{DocumentLocation: "https://example.com/b.pdf"}, ""},
	}
	for _, tt := range tests {
		if got := tt.job.Destination(); got != tt.want {
			t.Errorf("Destination(%s) = %q, want %q", tt.job.DocumentLocation, got, tt.want)
		}
	}
}
