package cursor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/schaermu/crsyncd/internal/index"
	"github.com/schaermu/crsyncd/internal/resource"
)

func backends(t *testing.T) map[string]func(dir string) Store {
	t.Helper()
	return map[string]func(dir string) Store{
		BackendFile: func(dir string) Store {
			s, err := Open(BackendFile, dir)
			if err != nil {
				t.Fatalf("Open file store: %v", err)
			}
			return s
		},
		BackendSQLite: func(dir string) Store {
			s, err := Open(BackendSQLite, dir)
			if err != nil {
				t.Fatalf("Open sqlite store: %v", err)
			}
			return s
		},
	}
}

func sampleFiles() index.Files {
	return index.Files{
		"models/a.yaml": {
			Hash: "abc",
			Entity: &resource.DesiredEntity{
				Kind:       resource.KindModel,
				Identity:   resource.Identity{Namespace: "models", Name: "a"},
				SourceFile: "models/a.yaml",
				Spec:       map[string]interface{}{"name": "a"},
			},
		},
		"broken.yaml": {Hash: "def"},
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t.TempDir())
			defer func() { _ = s.Close() }()

			c, err := s.Load(context.Background(), "catalogue")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if c != nil {
				t.Errorf("expected no cursor, got %+v", c)
			}
		})
	}
}

func TestStore_CompareAndSwap(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s := open(dir)
			ctx := context.Background()

			first := &Cursor{Commit: "c1", Inputs: "fp-1", Files: sampleFiles()}
			if err := s.CompareAndSwap(ctx, "catalogue", nil, first); err != nil {
				t.Fatalf("initial swap: %v", err)
			}
			if first.Generation != 1 {
				t.Errorf("generation = %d, want 1", first.Generation)
			}

			// A second writer that also saw no cursor loses.
			err := s.CompareAndSwap(ctx, "catalogue", nil, &Cursor{Commit: "other"})
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}

			loaded, err := s.Load(ctx, "catalogue")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Commit != "c1" || loaded.Generation != 1 || loaded.Repo != "catalogue" || loaded.Inputs != "fp-1" {
				t.Errorf("unexpected cursor: %+v", loaded)
			}
			if loaded.Entities() != 1 || len(loaded.Files) != 2 {
				t.Errorf("files not round-tripped: %+v", loaded.Files)
			}
			if e := loaded.Files["models/a.yaml"].Entity; e == nil || e.Identity.Name != "a" {
				t.Errorf("entity not round-tripped: %+v", e)
			}
			if loaded.UpdatedAt.IsZero() {
				t.Error("updated_at not set")
			}

			second := &Cursor{Commit: "c2", Files: index.Files{}}
			if err := s.CompareAndSwap(ctx, "catalogue", loaded, second); err != nil {
				t.Fatalf("second swap: %v", err)
			}

			// The stale cursor no longer matches.
			err = s.CompareAndSwap(ctx, "catalogue", loaded, &Cursor{Commit: "c3"})
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict for stale generation, got %v", err)
			}

			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			reopened := open(dir)
			defer func() { _ = reopened.Close() }()
			loaded, err = reopened.Load(ctx, "catalogue")
			if err != nil {
				t.Fatalf("Load after reopen: %v", err)
			}
			if loaded.Commit != "c2" || loaded.Generation != 2 {
				t.Errorf("unexpected cursor after reopen: %+v", loaded)
			}
		})
	}
}

func TestStore_FailedSwapLeavesNextUntouched(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t.TempDir())
			defer func() { _ = s.Close() }()
			ctx := context.Background()

			if err := s.CompareAndSwap(ctx, "catalogue", nil, &Cursor{Commit: "c1"}); err != nil {
				t.Fatalf("initial swap: %v", err)
			}

			stale := &Cursor{Repo: "catalogue", Commit: "c0", Generation: 7}
			next := &Cursor{Commit: "c2"}
			err := s.CompareAndSwap(ctx, "catalogue", stale, next)
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
			if next.Generation != 0 || next.Repo != "" || !next.UpdatedAt.IsZero() {
				t.Errorf("losing swap modified next: %+v", next)
			}

			// Same for a second initial swap.
			next = &Cursor{Commit: "c2"}
			if err := s.CompareAndSwap(ctx, "catalogue", nil, next); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
			if next.Generation != 0 || !next.UpdatedAt.IsZero() {
				t.Errorf("losing initial swap modified next: %+v", next)
			}
		})
	}
}

func TestStore_ConcurrentSwapsSingleWinner(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t.TempDir())
			defer func() { _ = s.Close() }()
			ctx := context.Background()

			base := &Cursor{Commit: "c1"}
			if err := s.CompareAndSwap(ctx, "catalogue", nil, base); err != nil {
				t.Fatalf("initial swap: %v", err)
			}

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					expected := *base
					err := s.CompareAndSwap(ctx, "catalogue", &expected, &Cursor{Commit: "c2"})
					if err == nil {
						mu.Lock()
						winners++
						mu.Unlock()
					} else if !errors.Is(err, ErrConflict) {
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			if winners != 1 {
				t.Errorf("expected exactly one winner, got %d", winners)
			}
		})
	}
}

func TestStore_RepositoriesAreIndependent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t.TempDir())
			defer func() { _ = s.Close() }()
			ctx := context.Background()

			if err := s.CompareAndSwap(ctx, "a", nil, &Cursor{Commit: "a1"}); err != nil {
				t.Fatalf("swap a: %v", err)
			}
			if err := s.CompareAndSwap(ctx, "b", nil, &Cursor{Commit: "b1"}); err != nil {
				t.Fatalf("swap b: %v", err)
			}
			c, err := s.Load(ctx, "b")
			if err != nil || c == nil || c.Commit != "b1" {
				t.Fatalf("unexpected cursor for b: %+v, %v", c, err)
			}
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open("etcd", t.TempDir()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestMigrate_AddsInputsToExistingCursors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crsyncd.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer func() { _ = s.Close() }()

	// Roll the schema back to the first version and insert a cursor as an
	// older release would have written it.
	for _, stmt := range []string{
		`DROP TABLE scan_cursors`,
		`CREATE TABLE scan_cursors(repo TEXT PRIMARY KEY, commit_id TEXT NOT NULL, generation INTEGER NOT NULL, files TEXT NOT NULL, updated_at TEXT NOT NULL)`,
		`INSERT INTO scan_cursors VALUES ('catalogue', 'c1', 3, '{}', '2026-01-02T03:04:05Z')`,
		`UPDATE schema_version SET version=1`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	if err := migrate(s.db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	c, err := s.Load(context.Background(), "catalogue")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c == nil || c.Commit != "c1" || c.Generation != 3 || c.Inputs != "" {
		t.Errorf("unexpected migrated cursor: %+v", c)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crsyncd.db")
	for i := 0; i < 2; i++ {
		s, err := OpenSQLite(path)
		if err != nil {
			t.Fatalf("OpenSQLite (run %d): %v", i, err)
		}
		_ = s.Close()
	}
}
