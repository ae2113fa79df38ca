// Package reconcile converges a repository's live custom resources to its
// desired-state index.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schaermu/crsyncd/internal/index"
	"github.com/schaermu/crsyncd/internal/resource"
)

// Status is the outcome of one operation.
type Status string

const (
	StatusApplied  Status = "Applied"
	StatusFailed   Status = "Failed"
	StatusConflict Status = "Conflict"
	// StatusPlanned marks operations of a dry run.
	StatusPlanned Status = "Planned"
)

// Outcome is the result of one operation.
type Outcome struct {
	Op     Op
	Status Status
	Err    error
}

// Report lists the outcome of every planned operation.
type Report struct {
	Repo     string
	DryRun   bool
	Outcomes []Outcome
}

// Succeeded reports whether every operation was applied.
func (r *Report) Succeeded() bool {
	for _, o := range r.Outcomes {
		if o.Status != StatusApplied && o.Status != StatusPlanned {
			return false
		}
	}
	return true
}

// Count returns the number of outcomes with the given status.
func (r *Report) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Options control how operations are planned and applied.
type Options struct {
	// Prune enables deletion of owned resources that are no longer declared.
	Prune bool
	// DryRun plans without mutating the store.
	DryRun bool
}

// Reconciler applies desired state through a Store.
type Reconciler struct {
	store  Store
	logger *slog.Logger
	opts   Options
}

// New creates a reconciler.
func New(store Store, logger *slog.Logger, opts Options) *Reconciler {
	return &Reconciler{store: store, logger: logger, opts: opts}
}

// Reconcile lists the resources owned by repo, plans the operations needed to
// reach desired and applies them in order. Per-operation failures are
// recorded in the report and do not stop the batch. An error is returned only
// when listing fails or ctx ends; the report then holds what was applied so
// far.
func (r *Reconciler) Reconcile(ctx context.Context, repo resource.RepositoryRef, desired index.Desired) (*Report, error) {
	var live []resource.LiveResource
	for _, kind := range resource.Kinds {
		items, err := r.store.List(ctx, kind, repo.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s resources: %w", kind, err)
		}
		live = append(live, items...)
	}

	ops := Plan(repo, desired, live, r.opts.Prune)
	report := &Report{Repo: repo.Name, DryRun: r.opts.DryRun, Outcomes: make([]Outcome, 0, len(ops))}

	if r.opts.DryRun {
		for _, op := range ops {
			r.logger.Info("[dry-run] would apply", "repo", repo.Name, "op", op.Type, "identity", op.Key.String())
			report.Outcomes = append(report.Outcomes, Outcome{Op: op, Status: StatusPlanned})
		}
		return report, nil
	}

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		outcome := r.apply(ctx, repo, op)
		if outcome.Err != nil && isContextErr(outcome.Err) {
			return report, outcome.Err
		}
		report.Outcomes = append(report.Outcomes, outcome)

		switch outcome.Status {
		case StatusApplied:
			r.logger.Info("applied operation", "repo", repo.Name, "op", op.Type, "identity", op.Key.String())
		default:
			r.logger.Error("operation failed",
				"repo", repo.Name,
				"op", op.Type,
				"identity", op.Key.String(),
				"status", outcome.Status,
				"error", outcome.Err)
		}
	}

	return report, nil
}

func (r *Reconciler) apply(ctx context.Context, repo resource.RepositoryRef, op Op) Outcome {
	switch op.Type {
	case OpCreate:
		return r.create(ctx, repo, op)
	case OpUpdate:
		return r.update(ctx, repo, op, op.ExpectedResourceVersion, false)
	case OpDelete:
		return r.delete(ctx, repo, op, op.ExpectedResourceVersion, false)
	default:
		return Outcome{Op: op, Status: StatusFailed, Err: fmt.Errorf("unknown operation %q", op.Type)}
	}
}

func (r *Reconciler) create(ctx context.Context, repo resource.RepositoryRef, op Op) Outcome {
	_, err := r.store.Create(ctx, *op.Desired)
	if err == nil {
		return Outcome{Op: op, Status: StatusApplied}
	}
	if !errors.Is(err, ErrAlreadyExists) {
		return failed(op, err)
	}

	// Someone created it between List and Create; adopt it if it is ours.
	current, err := r.store.Get(ctx, op.Key)
	if err != nil {
		return failed(op, err)
	}
	if current.Owner != repo.Name {
		return failed(op, &OwnershipError{Key: op.Key, Owner: current.Owner, Repo: repo.Name})
	}
	if Converged(*op.Desired, *current) {
		return Outcome{Op: op, Status: StatusApplied}
	}
	return r.update(ctx, repo, op, current.ResourceVersion, true)
}

func (r *Reconciler) update(ctx context.Context, repo resource.RepositoryRef, op Op, version string, retried bool) Outcome {
	desired := *op.Desired
	desired.ResourceVersion = version

	_, err := r.store.Update(ctx, desired)
	switch {
	case err == nil:
		return Outcome{Op: op, Status: StatusApplied}
	case errors.Is(err, ErrNotFound):
		return r.recreate(ctx, op)
	case !errors.Is(err, ErrConflict):
		return failed(op, err)
	case retried:
		return Outcome{Op: op, Status: StatusConflict, Err: &ConflictError{Op: op.Type, Key: op.Key}}
	}

	current, err := r.store.Get(ctx, op.Key)
	if errors.Is(err, ErrNotFound) {
		return r.recreate(ctx, op)
	}
	if err != nil {
		return failed(op, err)
	}
	if current.Owner != repo.Name {
		return failed(op, &OwnershipError{Key: op.Key, Owner: current.Owner, Repo: repo.Name})
	}
	if Converged(*op.Desired, *current) {
		return Outcome{Op: op, Status: StatusApplied}
	}
	return r.update(ctx, repo, op, current.ResourceVersion, true)
}

// recreate handles an update target that disappeared.
func (r *Reconciler) recreate(ctx context.Context, op Op) Outcome {
	desired := *op.Desired
	desired.ResourceVersion = ""
	if _, err := r.store.Create(ctx, desired); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return Outcome{Op: op, Status: StatusConflict, Err: &ConflictError{Op: op.Type, Key: op.Key}}
		}
		return failed(op, err)
	}
	return Outcome{Op: op, Status: StatusApplied}
}

func (r *Reconciler) delete(ctx context.Context, repo resource.RepositoryRef, op Op, version string, retried bool) Outcome {
	err := r.store.Delete(ctx, op.Key, version)
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		return Outcome{Op: op, Status: StatusApplied}
	case !errors.Is(err, ErrConflict):
		return failed(op, err)
	case retried:
		return Outcome{Op: op, Status: StatusConflict, Err: &ConflictError{Op: op.Type, Key: op.Key}}
	}

	current, err := r.store.Get(ctx, op.Key)
	if errors.Is(err, ErrNotFound) {
		return Outcome{Op: op, Status: StatusApplied}
	}
	if err != nil {
		return failed(op, err)
	}
	if current.Owner != repo.Name {
		// Adopted by another repository in the meantime; nothing left to delete.
		return Outcome{Op: op, Status: StatusApplied}
	}
	return r.delete(ctx, repo, op, current.ResourceVersion, true)
}

func failed(op Op, err error) Outcome {
	return Outcome{Op: op, Status: StatusFailed, Err: err}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
