package testutil

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/schaermu/crsyncd/internal/reconcile"
	"github.com/schaermu/crsyncd/internal/resource"
)

// Store is an in-memory reconcile.Store with fault injection.
type Store struct {
	mu      sync.Mutex
	objects map[resource.Key]resource.LiveResource
	version int

	// Conflicts makes the next n Update or Delete calls for a key fail with
	// reconcile.ErrConflict after bumping the stored resource version, as if
	// another writer got there first.
	Conflicts map[resource.Key]int
	// Errors makes every mutation of a key fail with the given error.
	Errors map[resource.Key]error
	// ListErr, when set, is returned by List.
	ListErr error
	// Calls records every mutating call as "Op Key".
	Calls []string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		objects:   make(map[resource.Key]resource.LiveResource),
		Conflicts: make(map[resource.Key]int),
		Errors:    make(map[resource.Key]error),
	}
}

func (s *Store) nextVersion() string {
	s.version++
	return strconv.Itoa(s.version)
}

// Put stores res directly, assigning a fresh resource version.
func (s *Store) Put(res resource.LiveResource) resource.LiveResource {
	s.mu.Lock()
	defer s.mu.Unlock()
	res.ResourceVersion = s.nextVersion()
	s.objects[res.Key()] = res
	return res
}

// Lookup returns the stored resource for key.
func (s *Store) Lookup(key resource.Key) (resource.LiveResource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.objects[key]
	return res, ok
}

// Len returns the number of stored resources.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// ResetCalls clears the call log.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = nil
}

func (s *Store) List(ctx context.Context, kind resource.Kind, owner string) ([]resource.LiveResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var out []resource.LiveResource
	for k, res := range s.objects {
		if k.Kind == kind && res.Owner == owner {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out, nil
}

func (s *Store) Get(ctx context.Context, key resource.Key) (*resource.LiveResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, reconcile.ErrNotFound)
	}
	return &res, nil
}

func (s *Store) Create(ctx context.Context, res resource.LiveResource) (*resource.LiveResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := res.Key()
	s.Calls = append(s.Calls, "Create "+key.String())
	if err := s.Errors[key]; err != nil {
		return nil, err
	}
	if _, exists := s.objects[key]; exists {
		return nil, fmt.Errorf("%s: %w", key, reconcile.ErrAlreadyExists)
	}
	res.ResourceVersion = s.nextVersion()
	s.objects[key] = res
	return &res, nil
}

func (s *Store) Update(ctx context.Context, res resource.LiveResource) (*resource.LiveResource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := res.Key()
	s.Calls = append(s.Calls, "Update "+key.String())
	if err := s.Errors[key]; err != nil {
		return nil, err
	}
	current, exists := s.objects[key]
	if !exists {
		return nil, fmt.Errorf("%s: %w", key, reconcile.ErrNotFound)
	}
	if s.injectConflict(key, current) {
		return nil, fmt.Errorf("%s: %w", key, reconcile.ErrConflict)
	}
	if current.ResourceVersion != res.ResourceVersion {
		return nil, fmt.Errorf("%s: %w", key, reconcile.ErrConflict)
	}

	current.Spec = res.Spec
	current.Owner = res.Owner
	if current.Annotations == nil {
		current.Annotations = make(map[string]string)
	}
	for _, k := range resource.ManagedAnnotations {
		if v, ok := res.Annotations[k]; ok {
			current.Annotations[k] = v
		} else {
			delete(current.Annotations, k)
		}
	}
	current.ResourceVersion = s.nextVersion()
	s.objects[key] = current
	return &current, nil
}

func (s *Store) Delete(ctx context.Context, key resource.Key, resourceVersion string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, "Delete "+key.String())
	if err := s.Errors[key]; err != nil {
		return err
	}
	current, exists := s.objects[key]
	if !exists {
		return fmt.Errorf("%s: %w", key, reconcile.ErrNotFound)
	}
	if s.injectConflict(key, current) {
		return fmt.Errorf("%s: %w", key, reconcile.ErrConflict)
	}
	if resourceVersion != "" && current.ResourceVersion != resourceVersion {
		return fmt.Errorf("%s: %w", key, reconcile.ErrConflict)
	}
	delete(s.objects, key)
	return nil
}

// injectConflict must be called with s.mu held.
func (s *Store) injectConflict(key resource.Key, current resource.LiveResource) bool {
	if s.Conflicts[key] <= 0 {
		return false
	}
	s.Conflicts[key]--
	current.ResourceVersion = s.nextVersion()
	s.objects[key] = current
	return true
}
