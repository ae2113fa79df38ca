// Package cursor persists per-repository scan positions.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/schaermu/crsyncd/internal/index"
)

// ErrConflict is returned by CompareAndSwap when the stored cursor is not the
// expected one.
var ErrConflict = errors.New("scan cursor changed concurrently")

// Cursor is the last fully reconciled position of a repository.
type Cursor struct {
	Repo   string `json:"repo"`
	Commit string `json:"commit"`
	// Generation increases by one with every successful swap.
	Generation int64 `json:"generation"`
	// Inputs fingerprints the scan and resolve settings the files were
	// derived under. A cursor whose Inputs differ from the live settings
	// cannot be diffed against.
	Inputs    string      `json:"inputs,omitempty"`
	Files     index.Files `json:"files"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Entities returns the number of files that resolved to an entity.
func (c *Cursor) Entities() int {
	n := 0
	for _, f := range c.Files {
		if f.Entity != nil {
			n++
		}
	}
	return n
}

// Store loads and atomically replaces cursors.
type Store interface {
	// Load returns nil and no error when the repository has no cursor yet.
	Load(ctx context.Context, repo string) (*Cursor, error)
	// CompareAndSwap stores next if the current cursor is expected (nil meaning
	// "no cursor"). On success next.Generation is set to the stored
	// generation plus one; on failure next is left untouched.
	CompareAndSwap(ctx context.Context, repo string, expected, next *Cursor) error
	Close() error
}

func nextGeneration(expected *Cursor) int64 {
	if expected == nil {
		return 1
	}
	return expected.Generation + 1
}

// Backends accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open creates the store for backend with its data below stateDir.
func Open(backend, stateDir string) (Store, error) {
	switch backend {
	case BackendFile, "":
		s, err := NewFileStore(filepath.Join(stateDir, "cursors"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := OpenSQLite(filepath.Join(stateDir, "crsyncd.db"))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cursor backend: %s", backend)
	}
}
