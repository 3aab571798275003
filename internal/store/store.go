// Package store implements the Backup Store: the server's single directory
// holding all transferred files, addressed only by basename.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/holtby/stftp/pkg/wire"
)

// DefaultDir is the backup directory used when none is configured,
// relative to the server process's working directory.
const DefaultDir = "backup"

// DirMode is the permission mode used when creating the backup directory.
const DirMode = 0o755

// Store resolves caller-supplied basenames to paths under one backup
// directory and ensures that directory exists.
type Store struct {
	dir string
}

// Open creates dir (mode DirMode) if it does not already exist, and
// returns a Store rooted at it.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("store: create backup dir %q: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the backup directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Resolve maps a filename to its path under the backup directory. The
// filename must already have passed wire.ValidateFilename; Resolve
// re-validates defensively since a path escape here would let a caller
// read or write outside the backup directory.
func (s *Store) Resolve(filename string) (string, error) {
	if err := wire.ValidateFilename(filename); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filename), nil
}
