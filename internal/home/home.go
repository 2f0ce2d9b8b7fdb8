// Package home locates folio's per-user directory. It holds the config file,
// the fs blob backend's data root and the sqlite database.
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultDirName   = ".folio"
	DataDirName      = "data"
	ConfigFileName   = "config.yaml"
	DatabaseFileName = "folio.db"
)

// Dir is a folio home, ~/.folio unless --home points elsewhere.
type Dir struct {
	path string
}

// New returns the home at path, or ~/.folio when path is empty.
// Nothing is created on disk.
func New(path string) (*Dir, error) {
	if path != "" {
		return &Dir{path: path}, nil
	}
	user, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}
	return &Dir{path: filepath.Join(user, DefaultDirName)}, nil
}

func (d *Dir) Path() string { return d.path }

// DataPath is the blob root used when store.fs.root is unset.
func (d *Dir) DataPath() string { return filepath.Join(d.path, DataDirName) }

// ConfigPath is where `folio config init` writes and the config manager looks.
func (d *Dir) ConfigPath() string { return filepath.Join(d.path, ConfigFileName) }

// DatabasePath is the sqlite file used when store.sql.dsn is unset.
func (d *Dir) DatabasePath() string { return filepath.Join(d.path, DatabaseFileName) }

// EnsureExists creates the home and its data root.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.DataPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", d.DataPath(), err)
	}
	return nil
}

// ConfigExists reports whether a config file has been written.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
