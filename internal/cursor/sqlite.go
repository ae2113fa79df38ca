package cursor

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/schaermu/crsyncd/internal/index"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type migration struct {
	Version int
	Name    string
	UpSQL   string
}

// SQLiteStore keeps cursors in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor database: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate cursor database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, repo string) (*Cursor, error) {
	var (
		c         Cursor
		files     string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT repo, commit_id, generation, inputs, files, updated_at FROM scan_cursors WHERE repo=?`, repo,
	).Scan(&c.Repo, &c.Commit, &c.Generation, &c.Inputs, &files, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor for %s: %w", repo, err)
	}

	if err := json.Unmarshal([]byte(files), &c.Files); err != nil {
		return nil, fmt.Errorf("failed to parse cursor files for %s: %w", repo, err)
	}
	if c.Files == nil {
		c.Files = make(index.Files)
	}
	c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cursor timestamp for %s: %w", repo, err)
	}
	return &c, nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, repo string, expected, next *Cursor) error {
	stamped := *next
	stamped.Repo = repo
	stamped.Generation = nextGeneration(expected)
	if stamped.UpdatedAt.IsZero() {
		stamped.UpdatedAt = time.Now().UTC()
	}
	files, err := json.Marshal(stamped.Files)
	if err != nil {
		return fmt.Errorf("failed to encode cursor files: %w", err)
	}
	updatedAt := stamped.UpdatedAt.Format(time.RFC3339Nano)

	var res sql.Result
	if expected == nil {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO scan_cursors(repo, commit_id, generation, inputs, files, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(repo) DO NOTHING`,
			repo, stamped.Commit, stamped.Generation, stamped.Inputs, string(files), updatedAt)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE scan_cursors SET commit_id=?, generation=?, inputs=?, files=?, updated_at=? WHERE repo=? AND generation=?`,
			stamped.Commit, stamped.Generation, stamped.Inputs, string(files), updatedAt, repo, expected.Generation)
	}
	if err != nil {
		return fmt.Errorf("failed to store cursor for %s: %w", repo, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to store cursor for %s: %w", repo, err)
	}
	if n != 1 {
		return fmt.Errorf("repository %s: %w", repo, ErrConflict)
	}
	*next = stamped
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func loadMigrations() ([]migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		migrations = append(migrations, migration{Version: v, Name: f.Name(), UpSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// migrate applies embedded migrations in order.
func migrate(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var currentVersion int
	err = tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&currentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := tx.Exec(m.UpSQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}
	return tx.Commit()
}
