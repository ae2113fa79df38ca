package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/crsyncd/internal/config"
	"github.com/schaermu/crsyncd/internal/cursor"
	"github.com/schaermu/crsyncd/internal/index"
	"github.com/schaermu/crsyncd/internal/metrics"
	"github.com/schaermu/crsyncd/internal/reconcile"
	"github.com/schaermu/crsyncd/internal/resolve"
	"github.com/schaermu/crsyncd/internal/resource"
	"github.com/schaermu/crsyncd/internal/scan"
	"github.com/schaermu/crsyncd/internal/snapshot"
)

var (
	// ErrBusy is returned when a cycle for the repository is already running.
	ErrBusy = errors.New("sync already running for repository")
	// ErrTimeout is returned when a cycle exceeds sync.timeout.
	ErrTimeout = errors.New("sync cycle timed out")
	// ErrIncomplete is returned when some operations failed; the cursor is
	// left at the previous commit.
	ErrIncomplete = errors.New("sync cycle incomplete")
)

// Options modify a single run.
type Options struct {
	// DryRun plans operations without applying them or advancing the cursor.
	DryRun bool
	// FullScan ignores the cursor's previous commit.
	FullScan bool
	// Wait blocks until a running cycle for the repository finishes instead
	// of returning ErrBusy.
	Wait bool
}

// Result summarizes one repository cycle.
type Result struct {
	CycleID        string
	Repo           string
	PreviousCommit string
	Commit         string
	Changes        []scan.ChangeRecord
	FileErrors     []error
	Conflicts      []*index.ConflictError
	Desired        int
	Report         *reconcile.Report
	// Advanced is true when the cursor was moved to Commit.
	Advanced bool
}

// Engine orchestrates the sync process
type Engine struct {
	cfg      *config.Config
	provider snapshot.Provider
	cursors  cursor.Store
	store    reconcile.Store
	resolver *resolve.Resolver
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu sync.Mutex
	// locks holds one single-slot semaphore per repository.
	locks map[string]chan struct{}
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, provider snapshot.Provider, cursors cursor.Store, store reconcile.Store, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		cfg:      cfg,
		provider: provider,
		cursors:  cursors,
		store:    store,
		resolver: resolve.New(cfg.Sync.Platform),
		metrics:  m,
		logger:   logger,
		locks:    make(map[string]chan struct{}),
	}
}

func (e *Engine) lockFor(repo string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[repo]
	if !ok {
		l = make(chan struct{}, 1)
		e.locks[repo] = l
	}
	return l
}

// RunAll runs one cycle for every configured repository, at most
// sync.max_concurrent at a time. Repositories already being synced are
// skipped. The returned error joins the failures of all repositories.
func (e *Engine) RunAll(ctx context.Context, opts Options) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(max(e.cfg.Sync.MaxConcurrent, 1))

	for _, rc := range e.cfg.Repos {
		name := rc.Name
		g.Go(func() error {
			_, err := e.RunRepo(ctx, name, opts)
			if errors.Is(err, ErrBusy) {
				e.logger.Debug("skipping repository, sync already running", "repo", name)
				return nil
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("repository %s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

// Poll runs RunAll immediately and then every sync.interval until ctx is
// cancelled.
func (e *Engine) Poll(ctx context.Context) error {
	interval := e.cfg.Sync.Interval
	if interval <= 0 {
		interval = config.DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.RunAll(ctx, Options{}); err != nil {
			e.logger.Error("sync cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunRepo runs one cycle for the named repository under sync.timeout.
func (e *Engine) RunRepo(ctx context.Context, name string, opts Options) (*Result, error) {
	rc, ok := e.cfg.Repo(name)
	if !ok {
		return nil, fmt.Errorf("unknown repository: %s", name)
	}

	lock := e.lockFor(name)
	if opts.Wait {
		select {
		case lock <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case lock <- struct{}{}:
		default:
			return nil, ErrBusy
		}
	}
	defer func() { <-lock }()

	timeout := e.cfg.Sync.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := e.cycle(ctx, rc, opts)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
	}

	e.metrics.CycleSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	e.metrics.Cycles.WithLabelValues(name, cycleResult(err)).Inc()
	return res, err
}

func cycleResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrIncomplete):
		return "incomplete"
	default:
		return "failed"
	}
}

func (e *Engine) cycle(ctx context.Context, rc config.RepoConfig, opts Options) (*Result, error) {
	repo := rc.Ref()
	res := &Result{CycleID: uuid.NewString(), Repo: repo.Name}
	logger := e.logger.With("repo", repo.Name, "cycle", res.CycleID)

	logger.Info("starting sync",
		"url", repo.URL,
		"branch", repo.Branch,
		"dry_run", opts.DryRun,
		"full_scan", opts.FullScan)

	commit, err := e.provider.CurrentCommit(ctx, repo)
	if err != nil {
		return res, fmt.Errorf("failed to resolve current commit: %w", err)
	}

	prev, err := e.cursors.Load(ctx, repo.Name)
	if err != nil {
		return res, fmt.Errorf("failed to load scan cursor: %w", err)
	}
	policy := scan.NewPolicy(rc.ConfigDir, e.cfg.Sync.Extensions)
	inputs := scanInputs(policy, e.cfg.Sync.Platform, repo)
	prior := index.Files{}
	switch {
	case prev == nil || opts.FullScan:
	case prev.Inputs != inputs:
		logger.Info("scan settings changed, performing full rescan", "previous_commit", prev.Commit)
	default:
		res.PreviousCommit = prev.Commit
		prior = prev.Files
	}

	scanner := scan.NewScanner(policy)
	var changes []scan.ChangeRecord
	if res.PreviousCommit != commit {
		result, err := scanner.Scan(ctx, e.provider, repo, res.PreviousCommit, commit)
		if errors.Is(err, snapshot.ErrUnavailable) && res.PreviousCommit != "" {
			logger.Warn("previous commit unavailable, performing full rescan",
				"previous_commit", res.PreviousCommit,
				"error", err)
			commit, err = e.provider.CurrentCommit(ctx, repo)
			if err != nil {
				return res, fmt.Errorf("failed to resolve current commit: %w", err)
			}
			res.PreviousCommit = ""
			prior = index.Files{}
			result, err = scanner.Scan(ctx, e.provider, repo, "", commit)
		}
		if err != nil {
			return res, fmt.Errorf("failed to scan repository: %w", err)
		}
		changes = result.Changes
	}
	res.Commit = commit
	res.Changes = changes
	logger.Info("repository scanned",
		"commit", commit,
		"previous_commit", res.PreviousCommit,
		"changes", len(changes))

	updates := make([]index.Update, 0, len(changes))
	for _, ch := range changes {
		updates = append(updates, e.resolveChange(logger, repo, ch, res))
	}

	files := index.Merge(prior, updates)
	desired, conflicts := index.Build(repo, files)
	res.Conflicts = conflicts
	res.Desired = len(desired)
	for _, c := range conflicts {
		logger.Warn("duplicate identity, keeping first file",
			"identity", c.Key.String(),
			"path", c.Path,
			"winner", c.Winner)
		e.metrics.Conflicts.WithLabelValues(repo.Name).Inc()
	}

	reconciler := reconcile.New(e.store, logger, reconcile.Options{
		Prune:  e.cfg.Sync.PruneEnabled(),
		DryRun: opts.DryRun,
	})
	report, err := reconciler.Reconcile(ctx, repo, desired)
	res.Report = report
	if report != nil {
		e.recordOutcomes(repo.Name, report)
	}
	if err != nil {
		return res, fmt.Errorf("failed to reconcile: %w", err)
	}

	logger.Info("sync plan",
		"create", countOps(report, reconcile.OpCreate),
		"update", countOps(report, reconcile.OpUpdate),
		"delete", countOps(report, reconcile.OpDelete))

	if opts.DryRun {
		logger.Info("dry-run complete, no changes applied")
		return res, nil
	}

	if !report.Succeeded() {
		return res, fmt.Errorf("%w: %d of %d operations failed, cursor left at %q",
			ErrIncomplete,
			len(report.Outcomes)-report.Count(reconcile.StatusApplied),
			len(report.Outcomes),
			res.PreviousCommit)
	}

	e.metrics.Entities.WithLabelValues(repo.Name).Set(float64(len(desired)))

	if res.PreviousCommit != "" && res.PreviousCommit == commit {
		logger.Info("sync completed successfully", "commit", commit)
		return res, nil
	}

	next := &cursor.Cursor{Commit: commit, Inputs: inputs, Files: files}
	if err := e.cursors.CompareAndSwap(ctx, repo.Name, prev, next); err != nil {
		return res, fmt.Errorf("failed to advance scan cursor: %w", err)
	}
	res.Advanced = true

	logger.Info("sync completed successfully", "commit", commit, "generation", next.Generation)
	return res, nil
}

// scanInputs fingerprints the settings that decide which files are eligible
// and what they resolve to.
func scanInputs(policy scan.Policy, platform string, repo resource.RepositoryRef) string {
	exts := slices.Clone(policy.Extensions)
	slices.Sort(exts)
	h := sha256.New()
	for _, v := range []string{
		policy.Dir,
		strings.Join(exts, ","),
		platform,
		repo.Namespace,
		repo.EnvType,
		repo.WorkspaceNamespace,
	} {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// resolveChange resolves one changed file. Per-file errors are logged and
// recorded; the file is remembered without an entity.
func (e *Engine) resolveChange(logger *slog.Logger, repo resource.RepositoryRef, ch scan.ChangeRecord, res *Result) index.Update {
	if ch.Change == scan.Deleted {
		return index.Update{Path: ch.Path, Deleted: true}
	}

	entity, err := e.resolver.Resolve(repo, ch)
	if err != nil {
		var unsupported *resolve.UnsupportedKindError
		reason := "validation"
		if errors.As(err, &unsupported) {
			reason = "unsupported_kind"
		}
		logger.Warn("skipping configuration file", "path", ch.Path, "reason", reason, "error", err)
		e.metrics.FileErrors.WithLabelValues(repo.Name, reason).Inc()
		res.FileErrors = append(res.FileErrors, err)
	}
	return index.Update{Path: ch.Path, File: index.File{Hash: ch.Hash, Entity: entity}}
}

func (e *Engine) recordOutcomes(repo string, report *reconcile.Report) {
	for _, o := range report.Outcomes {
		e.metrics.Operations.WithLabelValues(repo, string(o.Op.Type), string(o.Status)).Inc()
	}
}

func countOps(report *reconcile.Report, t reconcile.OpType) int {
	n := 0
	for _, o := range report.Outcomes {
		if o.Op.Type == t {
			n++
		}
	}
	return n
}
