package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackzampolin/folio/internal/chunk"
)

const MockName = "mock"

// MockService is a Service for tests and dry runs.
// By default it returns one record per page in the requested range.
type MockService struct {
	mu sync.Mutex

	// calls counts Analyze calls per canonical range
	calls map[string]int
	total int

	// Latency is waited (or ctx is honoured) before answering.
	Latency time.Duration

	// LatencyFor overrides Latency per range when set.
	LatencyFor func(r chunk.Range) time.Duration

	// FailAlways is returned by every call when non-nil.
	FailAlways error

	// FailRanges fails calls for the listed canonical ranges.
	FailRanges map[string]error

	// FailTimes fails the first N calls for a range with ErrMockTransient.
	FailTimes map[string]int

	// EmptyRanges return zero pages without an error.
	EmptyRanges map[string]bool

	// Pages overrides the generated records when set.
	Pages func(location string, r chunk.Range) []PageRecord
}

// ErrMockTransient is the error injected by FailTimes.
var ErrMockTransient = errors.New("mock transient failure")

// NewMockService creates a mock with no latency and no failures.
func NewMockService() *MockService {
	return &MockService{calls: make(map[string]int)}
}

// Analyze records the call and returns generated records or an injected error.
func (m *MockService) Analyze(ctx context.Context, location string, r chunk.Range) ([]PageRecord, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[r.String()]++
	m.total++
	n := m.calls[r.String()]
	latency := m.Latency
	if m.LatencyFor != nil {
		latency = m.LatencyFor(r)
	}
	failAlways := m.FailAlways
	failRange := m.FailRanges[r.String()]
	failTimes := m.FailTimes[r.String()]
	empty := m.EmptyRanges[r.String()]
	gen := m.Pages
	m.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	switch {
	case failAlways != nil:
		return nil, failAlways
	case failRange != nil:
		return nil, failRange
	case n <= failTimes:
		return nil, fmt.Errorf("%w: %s call %d", ErrMockTransient, r, n)
	case empty:
		return nil, nil
	}

	if gen != nil {
		return gen(location, r), nil
	}
	pages := make([]PageRecord, 0, r.Len())
	for _, p := range r.Pages() {
		pages = append(pages, PageRecord{
			PageNumber: p,
			Content:    fmt.Sprintf("page %d of %s", p, location),
			Metadata:   map[string]any{"service": MockName},
		})
	}
	return pages, nil
}

// Calls returns how many times r was analyzed.
func (m *MockService) Calls(r chunk.Range) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[r.String()]
}

// TotalCalls returns the number of Analyze calls across all ranges.
func (m *MockService) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

var _ Service = (*MockService)(nil)
