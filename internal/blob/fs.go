package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	tempPrefix = ".tmp-"

	// LockFileName is the advisory lock file at the root of an OS-backed store.
	LockFileName = ".folio.lock"

	lockRetryDelay = 5 * time.Millisecond
)

// FSStore implements Store on a filesystem rooted at a directory.
//
// Versions are content hashes. Writes and deletes hold a mutex and, for stores
// opened with NewFSStore, an flock on LockFileName, so compare-and-swap holds
// between processes sharing the root.
type FSStore struct {
	mu   sync.Mutex
	fs   afero.Fs
	lock *flock.Flock
}

// NewFSStore creates a store rooted at dir on the OS filesystem.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, errors.New("fs store requires a root directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	s := NewFSStoreOn(afero.NewBasePathFs(afero.NewOsFs(), dir))
	s.lock = flock.New(filepath.Join(dir, LockFileName))
	return s, nil
}

// NewFSStoreOn creates a store on an existing afero filesystem (e.g. afero.NewMemMapFs).
// Such stores are only safe within one process.
func NewFSStoreOn(fsys afero.Fs) *FSStore {
	return &FSStore{fs: fsys}
}

// acquire takes the in-process mutex and the root lock file.
func (s *FSStore) acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if s.lock == nil {
		return s.mu.Unlock, nil
	}
	ok, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !ok {
		s.mu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("failed to lock store: %w", err)
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}

func (s *FSStore) Read(ctx context.Context, p string) ([]byte, Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	p, err := CleanPath(p)
	if err != nil {
		return nil, "", err
	}
	data, err := afero.ReadFile(s.fs, filepath.FromSlash(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, contentVersion(data), nil
}

func (s *FSStore) Write(ctx context.Context, p string, data []byte, cond Condition) (Version, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	name := filepath.FromSlash(p)

	release, err := s.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if !cond.Unconditional() {
		current, err := afero.ReadFile(s.fs, name)
		exists := err == nil
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to read %s: %w", p, err)
		}
		var v Version
		if exists {
			v = contentVersion(current)
		}
		if !cond.allows(exists, v) {
			return "", fmt.Errorf("%w: %s", ErrConflict, p)
		}
	}

	dir := filepath.Dir(name)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", p, err)
	}

	// Write to a sibling temp file and rename so readers never see a torn object.
	tmp := filepath.Join(dir, tempPrefix+uuid.NewString())
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to commit %s: %w", p, err)
	}
	return contentVersion(data), nil
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Walk from the deepest directory the prefix names fully.
	root := "."
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		root = filepath.FromSlash(prefix[:i])
	}

	var paths []string
	err := afero.Walk(s.fs, root, func(name string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tempPrefix) || info.Name() == LockFileName {
			return nil
		}
		p := path.Clean(filepath.ToSlash(name))
		p = strings.TrimPrefix(p, "/")
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *FSStore) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := CleanPath(p)
	if err != nil {
		return err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.fs.Remove(filepath.FromSlash(p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

func contentVersion(data []byte) Version {
	sum := sha256.Sum256(data)
	return Version(hex.EncodeToString(sum[:16]))
}
