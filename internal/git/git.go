// Package git implements the snapshot provider on top of the git command.
package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/schaermu/crsyncd/internal/resource"
	"github.com/schaermu/crsyncd/internal/snapshot"
)

// ShellClient implements snapshot.Provider by shelling out to the git
// command. Every repository gets a bare mirror of its branch below reposDir.
type ShellClient struct {
	reposDir       string
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(reposDir, sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		reposDir:       reposDir,
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// RepoDir returns the local mirror directory of repo.
func (c *ShellClient) RepoDir(repo resource.RepositoryRef) string {
	return filepath.Join(c.reposDir, repo.Name+".git")
}

func remoteRef(branch string) string {
	return "refs/remotes/origin/" + branch
}

// CurrentCommit fetches the configured branch and returns its tip.
func (c *ShellClient) CurrentCommit(ctx context.Context, repo resource.RepositoryRef) (string, error) {
	destDir := c.RepoDir(repo)
	if err := c.ensureMirror(ctx, repo.URL, destDir); err != nil {
		return "", err
	}

	refspec := fmt.Sprintf("+refs/heads/%s:%s", repo.Branch, remoteRef(repo.Branch))
	cmd := exec.CommandContext(ctx, "git", "-C", destDir, "fetch", "--prune", "--no-tags", "origin", refspec)
	if err := c.configureAuth(cmd, repo.URL); err != nil {
		return "", err
	}
	if err := c.runCommand(cmd); err != nil {
		return "", fmt.Errorf("%w: git fetch failed: %v", snapshot.ErrUnavailable, err)
	}

	cmd = exec.CommandContext(ctx, "git", "-C", destDir, "rev-parse", "--verify", remoteRef(repo.Branch)+"^{commit}")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: git rev-parse failed for branch %q: %v", snapshot.ErrUnavailable, repo.Branch, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// ensureMirror initializes a bare repository with origin pointing at url.
func (c *ShellClient) ensureMirror(ctx context.Context, url, destDir string) error {
	if _, err := os.Stat(filepath.Join(destDir, "HEAD")); err == nil {
		cmd := exec.CommandContext(ctx, "git", "-C", destDir, "remote", "set-url", "origin", url)
		if err := c.runCommand(cmd); err != nil {
			return fmt.Errorf("git remote set-url failed: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	for _, args := range [][]string{
		{"git", "init", "--bare", "--quiet", destDir},
		{"git", "-C", destDir, "remote", "add", "origin", url},
	} {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		if err := c.runCommand(cmd); err != nil {
			return fmt.Errorf("git init failed: %w", err)
		}
	}
	return nil
}

// treeEntry is one blob listed by git ls-tree.
type treeEntry struct {
	path   string
	object string
}

// Enumerate lists the regular files of commit accepted by match and reads
// their contents in one git cat-file --batch call.
func (c *ShellClient) Enumerate(ctx context.Context, repo resource.RepositoryRef, commit string, match func(path string) bool) ([]snapshot.File, error) {
	dir := c.RepoDir(repo)

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "cat-file", "-e", commit+"^{commit}")
	if err := c.runCommand(cmd); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: commit %s is not reachable", snapshot.ErrUnavailable, commit)
	}

	cmd = exec.CommandContext(ctx, "git", "-C", dir, "ls-tree", "-r", "-z", "--full-tree", commit)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git ls-tree failed: %w", err)
	}
	entries := parseTree(output, match)
	if len(entries) == 0 {
		return nil, nil
	}

	objects := make([]string, len(entries))
	for i, e := range entries {
		objects[i] = e.object
	}
	contents, err := c.readBlobs(ctx, dir, objects)
	if err != nil {
		return nil, err
	}

	files := make([]snapshot.File, len(entries))
	for i, e := range entries {
		files[i] = snapshot.File{Path: e.path, Content: contents[i]}
	}
	return files, nil
}

// parseTree parses NUL-terminated ls-tree records of the form
// "<mode> <type> <object>\t<path>", keeping regular blobs accepted by match.
func parseTree(output []byte, match func(string) bool) []treeEntry {
	var entries []treeEntry
	for _, rec := range bytes.Split(output, []byte{0}) {
		if len(rec) == 0 {
			continue
		}
		meta, path, ok := strings.Cut(string(rec), "\t")
		if !ok {
			continue
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 || fields[1] != "blob" {
			continue
		}
		// Skip symlinks.
		if fields[0] == "120000" {
			continue
		}
		if match != nil && !match(path) {
			continue
		}
		entries = append(entries, treeEntry{path: path, object: fields[2]})
	}
	return entries
}

func (c *ShellClient) readBlobs(ctx context.Context, dir string, objects []string) ([][]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "cat-file", "--batch")
	cmd.Stdin = strings.NewReader(strings.Join(objects, "\n") + "\n")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git cat-file failed: %w", err)
	}

	r := bufio.NewReader(bytes.NewReader(output))
	contents := make([][]byte, 0, len(objects))
	for range objects {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("failed to read cat-file header: %w", err)
		}
		fields := strings.Fields(header)
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected cat-file header %q", strings.TrimSpace(header))
		}
		size, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("invalid object size in %q: %w", strings.TrimSpace(header), err)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("failed to read object %s: %w", fields[0], err)
		}
		if _, err := r.Discard(1); err != nil {
			return nil, fmt.Errorf("failed to read object %s: %w", fields[0], err)
		}
		contents = append(contents, data)
	}
	return contents, nil
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		tokenStr := strings.TrimSpace(string(token))

		// The token reaches the credential helper through the environment,
		// never through the command line.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "CRSYNCD_GIT_TOKEN="+tokenStr)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$CRSYNCD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
