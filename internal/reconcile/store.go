package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/schaermu/crsyncd/internal/resource"
)

// Errors returned by Store implementations.
var (
	// ErrConflict means the expected resource version no longer matches.
	ErrConflict = errors.New("resource version conflict")
	// ErrNotFound means the resource does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists means a create hit an existing resource.
	ErrAlreadyExists = errors.New("resource already exists")
)

// Store reads and mutates the cluster's custom resources.
type Store interface {
	// List returns the resources of kind carrying the ownership label owner.
	List(ctx context.Context, kind resource.Kind, owner string) ([]resource.LiveResource, error)
	Get(ctx context.Context, key resource.Key) (*resource.LiveResource, error)
	Create(ctx context.Context, res resource.LiveResource) (*resource.LiveResource, error)
	// Update replaces spec, managed annotations and the ownership label if
	// res.ResourceVersion still matches the stored version.
	Update(ctx context.Context, res resource.LiveResource) (*resource.LiveResource, error)
	Delete(ctx context.Context, key resource.Key, resourceVersion string) error
}

// OwnershipError reports a resource that exists but belongs to another
// repository (or to nobody).
type OwnershipError struct {
	Key   resource.Key
	Owner string
	Repo  string
}

func (e *OwnershipError) Error() string {
	owner := e.Owner
	if owner == "" {
		owner = "<unmanaged>"
	}
	return fmt.Sprintf("%s is owned by %s, not %s", e.Key, owner, e.Repo)
}

// ConflictError reports an operation that kept losing the optimistic
// concurrency race after its retry.
type ConflictError struct {
	Op  OpType
	Key resource.Key
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: conflicting concurrent modification", e.Op, e.Key)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
