package blob

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore implements Store in memory for unit tests.
// Error injection is supported for testing failure paths.
type MemoryStore struct {
	mu sync.RWMutex

	objects map[string]memoryObject

	// writes counts successful writes per path for test assertions
	writes map[string]int

	// --- Error injection fields for testing ---

	// ReadErr is returned by Read when non-nil
	ReadErr error

	// WriteErr is returned by Write when non-nil
	WriteErr error

	// ListErr is returned by List when non-nil
	ListErr error

	// DeleteErr is returned by Delete when non-nil
	DeleteErr error

	// ErrOnPrefix causes operations on paths with a matching prefix to fail.
	// Key is the path prefix, value is the error to return.
	ErrOnPrefix map[string]error

	// ErrAfterNWrites causes writes to fail once N writes have succeeded.
	ErrAfterNWrites int
	errWriteCount   int

	// BeforeWrite runs (without the lock held) before every write.
	// Tests use it to interleave a competing writer.
	BeforeWrite func(path string)

	// FailWrite is consulted with the lock held; a non-nil result fails that write.
	// It must not call back into the store.
	FailWrite func(path string) error
}

type memoryObject struct {
	data    []byte
	version Version
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		writes:  make(map[string]int),
	}
}

func (m *MemoryStore) Read(_ context.Context, p string) ([]byte, Version, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ReadErr != nil {
		return nil, "", m.ReadErr
	}
	if err := m.prefixErr(p); err != nil {
		return nil, "", err
	}

	obj, ok := m.objects[p]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, obj.version, nil
}

func (m *MemoryStore) Write(_ context.Context, p string, data []byte, cond Condition) (Version, error) {
	p, err := CleanPath(p)
	if err != nil {
		return "", err
	}

	if hook := m.hook(); hook != nil {
		hook(p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteErr != nil {
		return "", m.WriteErr
	}
	if err := m.prefixErr(p); err != nil {
		return "", err
	}
	if m.FailWrite != nil {
		if err := m.FailWrite(p); err != nil {
			return "", err
		}
	}
	if m.ErrAfterNWrites > 0 {
		m.errWriteCount++
		if m.errWriteCount > m.ErrAfterNWrites {
			return "", fmt.Errorf("injected error after %d writes", m.ErrAfterNWrites)
		}
	}

	current, exists := m.objects[p]
	if !cond.allows(exists, current.version) {
		return "", fmt.Errorf("%w: %s", ErrConflict, p)
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	v := Version(uuid.NewString())
	m.objects[p] = memoryObject{data: stored, version: v}
	m.writes[p]++
	return v, nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ListErr != nil {
		return nil, m.ListErr
	}

	var paths []string
	for p := range m.objects {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *MemoryStore) Delete(_ context.Context, p string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	if err := m.prefixErr(p); err != nil {
		return err
	}
	delete(m.objects, p)
	return nil
}

// Put stores data unconditionally, bypassing error injection. Test setup helper.
func (m *MemoryStore) Put(p string, data []byte) Version {
	p, _ = CleanPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	v := Version(uuid.NewString())
	m.objects[p] = memoryObject{data: append([]byte(nil), data...), version: v}
	return v
}

// Has reports whether an object exists, bypassing error injection.
func (m *MemoryStore) Has(p string) bool {
	p, _ = CleanPath(p)
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[p]
	return ok
}

// WriteCount returns the number of successful writes to path.
func (m *MemoryStore) WriteCount(p string) int {
	p, _ = CleanPath(p)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[p]
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// SetErrOnPrefix installs (or with nil, clears) an injected error for a path prefix.
func (m *MemoryStore) SetErrOnPrefix(prefix string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrOnPrefix == nil {
		m.ErrOnPrefix = make(map[string]error)
	}
	if err == nil {
		delete(m.ErrOnPrefix, prefix)
		return
	}
	m.ErrOnPrefix[prefix] = err
}

func (m *MemoryStore) hook() func(string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.BeforeWrite
}

// prefixErr must be called with the lock held.
func (m *MemoryStore) prefixErr(p string) error {
	for prefix, err := range m.ErrOnPrefix {
		if strings.HasPrefix(p, prefix) {
			return err
		}
	}
	return nil
}
