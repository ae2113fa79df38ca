package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/schaermu/crsyncd/internal/resource"
	"github.com/schaermu/crsyncd/internal/snapshot"
)

// ChangeKind describes how a configuration file changed between two commits.
type ChangeKind string

const (
	Added    ChangeKind = "Added"
	Modified ChangeKind = "Modified"
	Deleted  ChangeKind = "Deleted"
)

// ChangeRecord is one changed configuration file.
type ChangeRecord struct {
	Path   string
	Change ChangeKind
	// Content and Hash are empty for Deleted changes.
	Content []byte
	Hash    string
}

// Result is the outcome of a scan.
type Result struct {
	// Changes are sorted by path.
	Changes []ChangeRecord
	// Hashes maps every eligible file at the current commit to its content hash.
	Hashes map[string]string
}

// Scanner computes configuration changes between two commits.
type Scanner struct {
	policy Policy
}

// NewScanner creates a scanner that only reports files eligible under policy.
func NewScanner(policy Policy) *Scanner {
	return &Scanner{policy: policy}
}

// Scan compares the eligible files of previous and current. An empty previous
// commit reports every eligible file at current as Added.
//
// Errors from the provider are returned wrapped; snapshot.ErrUnavailable
// stays detectable with errors.Is.
func (s *Scanner) Scan(ctx context.Context, provider snapshot.Provider, repo resource.RepositoryRef, previous, current string) (*Result, error) {
	currentFiles, err := provider.Enumerate(ctx, repo, current, s.policy.Eligible)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate commit %s: %w", current, err)
	}

	prevHashes := make(map[string]string)
	if previous != "" {
		prevFiles, err := provider.Enumerate(ctx, repo, previous, s.policy.Eligible)
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate commit %s: %w", previous, err)
		}
		for _, f := range prevFiles {
			if s.policy.Eligible(f.Path) {
				prevHashes[f.Path] = contentHash(f.Content)
			}
		}
	}

	result := &Result{Hashes: make(map[string]string)}
	for _, f := range currentFiles {
		if !s.policy.Eligible(f.Path) {
			continue
		}
		hash := contentHash(f.Content)
		result.Hashes[f.Path] = hash

		prev, existed := prevHashes[f.Path]
		switch {
		case !existed:
			result.Changes = append(result.Changes, ChangeRecord{Path: f.Path, Change: Added, Content: f.Content, Hash: hash})
		case prev != hash:
			result.Changes = append(result.Changes, ChangeRecord{Path: f.Path, Change: Modified, Content: f.Content, Hash: hash})
		}
	}

	for p := range prevHashes {
		if _, exists := result.Hashes[p]; !exists {
			result.Changes = append(result.Changes, ChangeRecord{Path: p, Change: Deleted})
		}
	}

	sort.Slice(result.Changes, func(i, j int) bool {
		return result.Changes[i].Path < result.Changes[j].Path
	})

	return result, nil
}

// contentHash computes the SHA256 hash of file content
func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
