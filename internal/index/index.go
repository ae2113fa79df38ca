// Package index aggregates the desired entities of a repository's
// configuration files.
package index

import (
	"fmt"
	"sort"

	"github.com/schaermu/crsyncd/internal/resource"
)

// File is what is remembered about one configuration file between scans.
type File struct {
	Hash string `json:"hash"`
	// Entity is nil when the file did not resolve to an entity (validation
	// failure, unsupported kind, other platform).
	Entity *resource.DesiredEntity `json:"entity,omitempty"`
}

// Files maps repository-relative paths to their last known state.
type Files map[string]File

// Update is the scan outcome for one changed path.
type Update struct {
	Path    string
	Deleted bool
	File    File
}

// ConflictError reports a file whose entity key was already claimed by a
// lexicographically earlier file.
type ConflictError struct {
	Repo   string
	Key    resource.Key
	Path   string
	Winner string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("repository %s: %s in %s conflicts with %s", e.Repo, e.Key, e.Path, e.Winner)
}

// Desired maps reconciliation keys to the entity that should exist.
type Desired map[resource.Key]resource.DesiredEntity

// Merge applies updates on top of prior and returns the new file set. prior
// is not modified.
func Merge(prior Files, updates []Update) Files {
	merged := make(Files, len(prior)+len(updates))
	for p, f := range prior {
		merged[p] = f
	}
	for _, u := range updates {
		if u.Deleted {
			delete(merged, u.Path)
			continue
		}
		merged[u.Path] = u.File
	}
	return merged
}

// Build indexes the entities of files by key. When several files declare the
// same key the lexicographically first path wins and every other file gets a
// ConflictError, regardless of map iteration order.
func Build(repo resource.RepositoryRef, files Files) (Desired, []*ConflictError) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	desired := make(Desired)
	var conflicts []*ConflictError
	for _, p := range paths {
		e := files[p].Entity
		if e == nil {
			continue
		}
		key := e.Key()
		if winner, ok := desired[key]; ok {
			conflicts = append(conflicts, &ConflictError{
				Repo:   repo.Name,
				Key:    key,
				Path:   p,
				Winner: winner.SourceFile,
			})
			continue
		}
		entity := *e
		entity.SourceFile = p
		desired[key] = entity
	}
	return desired, conflicts
}
