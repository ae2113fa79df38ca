package snapshot

import (
	"context"
	"errors"

	"github.com/schaermu/crsyncd/internal/resource"
)

// ErrUnavailable is returned when a commit cannot be resolved or enumerated,
// for example because history was rewritten or the remote is unreachable.
var ErrUnavailable = errors.New("snapshot unavailable")

// File is one file of a repository at a given commit.
type File struct {
	Path    string
	Content []byte
}

// Provider supplies repository contents by commit.
type Provider interface {
	// CurrentCommit refreshes the repository and returns the commit at the tip
	// of its configured branch.
	CurrentCommit(ctx context.Context, repo resource.RepositoryRef) (string, error)
	// Enumerate returns the files at commit for which match returns true.
	// A nil match selects every file.
	Enumerate(ctx context.Context, repo resource.RepositoryRef, commit string, match func(path string) bool) ([]File, error)
}
