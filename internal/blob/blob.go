// Package blob defines the durable, versioned object storage the pipeline runs on.
//
// Every backend attaches an opaque Version to each stored object. Writes may be
// conditioned on that version (compare-and-swap) or on the object not existing,
// which is the only coordination primitive shared between concurrent jobs.
package blob

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	// ErrNotFound is returned when reading an object that does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrConflict is returned when a conditional write loses to a concurrent writer.
	ErrConflict = errors.New("blob version conflict")
)

// Version is an opaque version token (ETag-like) attached to a stored object.
type Version string

// Condition restricts when a Write is allowed to succeed.
// The zero value writes unconditionally.
type Condition struct {
	match     Version
	mustMatch bool
	absent    bool
}

// IfMatch requires the stored object to currently carry version v.
func IfMatch(v Version) Condition {
	return Condition{match: v, mustMatch: true}
}

// IfAbsent requires that no object exists at the path yet.
func IfAbsent() Condition {
	return Condition{absent: true}
}

// Unconditional reports whether the condition places no restriction on the write.
func (c Condition) Unconditional() bool {
	return !c.mustMatch && !c.absent
}

// MatchVersion returns the version an IfMatch condition expects.
func (c Condition) MatchVersion() (Version, bool) {
	return c.match, c.mustMatch
}

// RequiresAbsent reports whether the condition was built with IfAbsent.
func (c Condition) RequiresAbsent() bool {
	return c.absent
}

// allows decides a condition against the current state of an object.
// exists/current describe what is stored right now.
func (c Condition) allows(exists bool, current Version) bool {
	switch {
	case c.absent:
		return !exists
	case c.mustMatch:
		return exists && current == c.match
	default:
		return true
	}
}

// Reader reads objects. Analysis clients only need this half of the store.
type Reader interface {
	Read(ctx context.Context, path string) ([]byte, Version, error)
}

// Store is a durable object store with optimistic concurrency.
type Store interface {
	Reader

	// Write stores data at path if cond holds, returning the new version.
	// A failed condition returns ErrConflict.
	Write(ctx context.Context, path string, data []byte, cond Condition) (Version, error)

	// List returns all object paths under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
}

// Exists reports whether an object is stored at p.
func Exists(ctx context.Context, s Reader, p string) (bool, error) {
	_, _, err := s.Read(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Join builds an object path from segments using forward slashes.
func Join(elem ...string) string {
	return path.Join(elem...)
}

// CleanPath normalises an object path and rejects anything escaping the root.
func CleanPath(p string) (string, error) {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return "", errors.New("empty blob path")
	}
	return p, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
