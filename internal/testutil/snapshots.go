package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/schaermu/crsyncd/internal/resource"
	"github.com/schaermu/crsyncd/internal/snapshot"
)

// Snapshots is an in-memory snapshot.Provider. Each repository has a list of
// commits, each a full file tree; the last one is the branch tip.
type Snapshots struct {
	mu      sync.Mutex
	commits map[string]map[string]map[string]string // repo -> commit -> path -> content
	heads   map[string]string

	// CurrentErr, when set, is returned by CurrentCommit.
	CurrentErr error
	// Unreachable commits fail Enumerate with snapshot.ErrUnavailable.
	Unreachable map[string]bool
	// Enumerated records every commit passed to Enumerate.
	Enumerated []string
}

// NewSnapshots creates an empty provider.
func NewSnapshots() *Snapshots {
	return &Snapshots{
		commits:     make(map[string]map[string]map[string]string),
		heads:       make(map[string]string),
		Unreachable: make(map[string]bool),
	}
}

// Commit records a new commit for repo with the given full file tree and
// moves the branch tip to it.
func (s *Snapshots) Commit(repo, commit string, files map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commits[repo] == nil {
		s.commits[repo] = make(map[string]map[string]string)
	}
	tree := make(map[string]string, len(files))
	for p, c := range files {
		tree[p] = c
	}
	s.commits[repo][commit] = tree
	s.heads[repo] = commit
}

// CurrentCommit implements snapshot.Provider.
func (s *Snapshots) CurrentCommit(ctx context.Context, repo resource.RepositoryRef) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CurrentErr != nil {
		return "", s.CurrentErr
	}
	head, ok := s.heads[repo.Name]
	if !ok {
		return "", fmt.Errorf("%w: repository %s has no commits", snapshot.ErrUnavailable, repo.Name)
	}
	return head, nil
}

// Enumerate implements snapshot.Provider.
func (s *Snapshots) Enumerate(ctx context.Context, repo resource.RepositoryRef, commit string, match func(string) bool) ([]snapshot.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Enumerated = append(s.Enumerated, commit)
	if s.Unreachable[commit] {
		return nil, fmt.Errorf("%w: commit %s", snapshot.ErrUnavailable, commit)
	}
	tree, ok := s.commits[repo.Name][commit]
	if !ok {
		return nil, fmt.Errorf("%w: commit %s not found", snapshot.ErrUnavailable, commit)
	}

	files := make([]snapshot.File, 0, len(tree))
	for p, c := range tree {
		if match != nil && !match(p) {
			continue
		}
		files = append(files, snapshot.File{Path: p, Content: []byte(c)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
