package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/folio/internal/blob"
	"github.com/jackzampolin/folio/internal/chunk"
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

func newTestStore(t *testing.T, blobs blob.Store) (*Store, *instantTimer) {
	t.Helper()
	timer := &instantTimer{}
	s, err := NewStore(StoreConfig{Blobs: blobs, Timer: timer, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s, timer
}

func TestStore_InitGetDelete(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	s, _ := newTestStore(t, blobs)

	rec, err := s.Init(ctx, "doc-1/full", 120, 100, 5)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if rec.Status != StatusPending || len(rec.CompletedChunks) != 0 {
		t.Errorf("Init() = %+v", rec)
	}
	if !blobs.Has("status/doc-1/full.json") {
		t.Error("record not written at status/doc-1/full.json")
	}

	got, err := s.Get(ctx, "doc-1/full")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.TotalUnits != 120 || got.UnitChunkSize != 100 || got.ConcurrencyLimit != 5 {
		t.Errorf("Get() = %+v", got)
	}
	if got.Version == "" {
		t.Error("Get() returned empty version")
	}

	if err := s.Delete(ctx, "doc-1/full"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, err = s.Get(ctx, "doc-1/full")
	if err != nil || got != nil {
		t.Errorf("Get() after Delete = %v, %v; want nil, nil", got, err)
	}
}

func TestStore_Ensure(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, blob.NewMemoryStore())

	rec, created, err := s.Ensure(ctx, "job", 80, 50, 5)
	if err != nil || !created {
		t.Fatalf("Ensure() = %v, %v, %v", rec, created, err)
	}
	if _, err := s.Update(ctx, "job", SetStatus(StatusInProgress), AddCompletedChunk(chunk.Range{Start: 1, End: 50})); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	rec, created, err = s.Ensure(ctx, "job", 80, 50, 5)
	if err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if created {
		t.Error("second Ensure() created a new record")
	}
	if len(rec.CompletedChunks) != 1 {
		t.Errorf("second Ensure() lost progress: %v", rec.CompletedChunks)
	}
}

func TestStore_UpdateAbsent(t *testing.T) {
	s, _ := newTestStore(t, blob.NewMemoryStore())
	rec, err := s.Update(context.Background(), "nope", SetStatus(StatusInProgress))
	if err != nil || rec != nil {
		t.Errorf("Update() on absent = %v, %v; want nil, nil", rec, err)
	}
}

func TestStore_UpdateRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	s, _ := newTestStore(t, blobs)
	if _, err := s.Init(ctx, "job", 10, 50, 5); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, err := s.Update(ctx, "job", SetStatus(StatusCompleted))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Update() error = %v, want ErrInvalidTransition", err)
	}
	if n := blobs.WriteCount(s.Path("job")); n != 1 {
		t.Errorf("write count = %d, want 1 (no retry of invalid transition)", n)
	}
}

func TestStore_UpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	s, timer := newTestStore(t, blobs)
	if _, err := s.Init(ctx, "job", 120, 100, 5); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	// A competing writer sneaks in before the first two CAS writes.
	var interference atomic.Int32
	blobs.BeforeWrite = func(p string) {
		if interference.Add(1) > 2 {
			return
		}
		data, _, _ := blobs.Read(ctx, p)
		blobs.Put(p, data)
	}

	rec, err := s.Update(ctx, "job", AddCompletedChunk(chunk.Range{Start: 1, End: 100}))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !rec.HasCompleted(chunk.Range{Start: 1, End: 100}) {
		t.Errorf("Update() lost chunk: %v", rec.CompletedChunks)
	}

	delays := timer.Delays()
	if len(delays) != 2 {
		t.Fatalf("retry delays = %v, want 2 waits", delays)
	}
	if delays[1] <= delays[0] {
		t.Errorf("retry delays not increasing: %v", delays)
	}
}

func TestStore_UpdateExhaustsToConcurrencyConflict(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	s, timer := newTestStore(t, blobs)
	if _, err := s.Init(ctx, "job", 120, 100, 5); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	blobs.BeforeWrite = func(p string) {
		data, _, _ := blobs.Read(ctx, p)
		blobs.Put(p, data)
	}

	_, err := s.Update(ctx, "job", SetStatus(StatusInProgress))
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("Update() error = %v, want ErrConcurrencyConflict", err)
	}
	if got := len(timer.Delays()); got != DefaultUpdateAttempts-1 {
		t.Errorf("waits = %d, want %d", got, DefaultUpdateAttempts-1)
	}
}

func TestStore_UpdateRetriesTransientStorageErrors(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	s, _ := newTestStore(t, blobs)
	if _, err := s.Init(ctx, "job", 120, 100, 5); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	var calls atomic.Int32
	blobs.BeforeWrite = func(string) {
		if calls.Add(1) == 1 {
			blobs.WriteErr = errors.New("transient outage")
			return
		}
		blobs.WriteErr = nil
	}

	rec, err := s.Update(ctx, "job", SetStatus(StatusInProgress))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if rec.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", rec.Status)
	}
}

// Concurrent updates must end with the union of every applied chunk.
func TestStore_ConcurrentUpdatesNoLostUpdate(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	s, err := NewStore(StoreConfig{Blobs: blobs, MaxAttempts: 100, RetryDelay: time.Microsecond})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, err := s.Init(ctx, "job", 2000, 100, 5); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	plan, _ := chunk.Plan(2000)
	var wg sync.WaitGroup
	for _, r := range plan {
		wg.Add(1)
		go func(r chunk.Range) {
			defer wg.Done()
			if _, err := s.Update(ctx, "job", AddCompletedChunk(r)); err != nil {
				t.Errorf("Update(%s) error = %v", r, err)
			}
		}(r)
	}
	wg.Wait()

	rec, err := s.Get(ctx, "job")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(rec.CompletedChunks) != len(plan) {
		t.Fatalf("completed = %d, want %d", len(rec.CompletedChunks), len(plan))
	}
	for i, r := range plan {
		if rec.CompletedChunks[i] != r.String() {
			t.Errorf("completed[%d] = %s, want %s", i, rec.CompletedChunks[i], r)
		}
	}
}

func TestStore_ProgressNeverShrinks(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, blob.NewMemoryStore())
	if _, err := s.Init(ctx, "job", 500, 100, 5); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	plan, _ := chunk.Plan(500)
	prev := 0
	for i, r := range append(plan, plan...) {
		rec, err := s.Update(ctx, "job", AddCompletedChunk(r))
		if err != nil {
			t.Fatalf("Update #%d error = %v", i, err)
		}
		if len(rec.CompletedChunks) < prev {
			t.Fatalf("completed shrank from %d to %d", prev, len(rec.CompletedChunks))
		}
		prev = len(rec.CompletedChunks)
	}
	if prev != len(plan) {
		t.Errorf("completed = %d, want %d", prev, len(plan))
	}
}

func ExampleStore_Update() {
	ctx := context.Background()
	s, _ := NewStore(StoreConfig{Blobs: blob.NewMemoryStore()})
	_, _ = s.Init(ctx, "report.pdf", 80, 50, 5)
	rec, _ := s.Update(ctx, "report.pdf",
		SetStatus(StatusInProgress),
		AddCompletedChunk(chunk.Range{Start: 51, End: 80}),
		AddCompletedChunk(chunk.Range{Start: 1, End: 50}),
	)
	fmt.Println(rec.Status, rec.CompletedChunks)
	// Output: in_progress [1-50 51-80]
}
