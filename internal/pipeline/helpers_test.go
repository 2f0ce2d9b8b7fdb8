package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/folio/internal/analysis"
	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/status"
)

// instantTimer fires immediately and records requested delays.
type instantTimer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (t *instantTimer) After(d time.Duration) <-chan time.Time {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (t *instantTimer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	blobs  *blob.MemoryStore
	svc    *analysis.MockService
	status *status.Store
	timer  *instantTimer
	orch   *Orchestrator
}

const (
	testKey     = "doc-1/full"
	testStaging = "staging/doc-1.pdf"
)

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	blobs := blob.NewMemoryStore()
	blobs.Put(testStaging, []byte("%PDF-1.7 test document"))

	timer := &instantTimer{}
	st, err := status.NewStore(status.StoreConfig{Blobs: blobs, Timer: timer, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("status.NewStore() error = %v", err)
	}

	h := &harness{
		blobs:  blobs,
		svc:    analysis.NewMockService(),
		status: st,
		timer:  timer,
	}

	cfg := Config{
		Blobs:            blobs,
		Status:           st,
		Analysis:         h.svc,
		Logger:           quietLogger(),
		RetryBackoffBase: time.Millisecond,
		ChunkTimeout:     5 * time.Second,
		Timer:            timer,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	h.orch, err = New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func (h *harness) job(totalUnits int) Job {
	return Job{Key: testKey, DocumentLocation: testStaging, TotalUnits: totalUnits}
}

func (h *harness) record(t *testing.T) *status.Record {
	t.Helper()
	rec, err := h.status.Get(context.Background(), testKey)
	if err != nil {
		t.Fatalf("status.Get() error = %v", err)
	}
	if rec == nil {
		t.Fatal("status record missing")
	}
	return rec
}

func (h *harness) paths(t *testing.T, prefix string) []string {
	t.Helper()
	paths, err := h.blobs.List(context.Background(), prefix)
	if err != nil {
		t.Fatalf("List(%s) error = %v", prefix, err)
	}
	return paths
}

func pageRange(start, end int) []int {
	out := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		out = append(out, p)
	}
	return out
}
