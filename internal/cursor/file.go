package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps one JSON file per repository below dir.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a store writing to dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cursor directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(repo string) string {
	return filepath.Join(s.dir, repo+".json")
}

func (s *FileStore) Load(ctx context.Context, repo string) (*Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(repo)
}

func (s *FileStore) load(repo string) (*Cursor, error) {
	data, err := os.ReadFile(s.path(repo))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cursor for %s: %w", repo, err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse cursor for %s: %w", repo, err)
	}
	return &c, nil
}

func (s *FileStore) CompareAndSwap(ctx context.Context, repo string, expected, next *Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(repo)
	if err != nil {
		return err
	}
	switch {
	case expected == nil && current != nil:
		return fmt.Errorf("repository %s already has a cursor at generation %d: %w", repo, current.Generation, ErrConflict)
	case expected != nil && current == nil:
		return fmt.Errorf("repository %s has no cursor: %w", repo, ErrConflict)
	case expected != nil && current.Generation != expected.Generation:
		return fmt.Errorf("repository %s cursor at generation %d, expected %d: %w", repo, current.Generation, expected.Generation, ErrConflict)
	}

	stamped := *next
	stamped.Repo = repo
	stamped.Generation = nextGeneration(expected)
	if stamped.UpdatedAt.IsZero() {
		stamped.UpdatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(&stamped, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}
	if err := writeAtomic(s.path(repo), data); err != nil {
		return err
	}
	*next = stamped
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// writeAtomic writes data to a temp file in the destination directory and
// renames it into place.
func writeAtomic(dst string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".crsyncd-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync cursor: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("failed to replace cursor: %w", err)
	}
	return nil
}
