// Package kube implements the custom-resource store on top of a
// controller-runtime client using unstructured objects.
package kube

import (
	"context"
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/schaermu/crsyncd/internal/reconcile"
	"github.com/schaermu/crsyncd/internal/resource"
)

// Defaults for the custom resource API group and version.
const (
	DefaultGroup   = "ai-pipeline.org"
	DefaultVersion = "v1alpha1"
)

// Store implements reconcile.Store.
type Store struct {
	client  client.Client
	group   string
	version string
}

// NewStore creates a store for custom resources in group/version.
func NewStore(c client.Client, group, version string) *Store {
	if group == "" {
		group = DefaultGroup
	}
	if version == "" {
		version = DefaultVersion
	}
	return &Store{client: c, group: group, version: version}
}

// RestConfig loads the cluster configuration from kubeconfig, or falls back
// to controller-runtime's detection (KUBECONFIG, in-cluster, ~/.kube/config).
func RestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig %s: %w", kubeconfig, err)
		}
		return cfg, nil
	}
	cfg, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to detect cluster configuration: %w", err)
	}
	return cfg, nil
}

// NewClient creates a controller-runtime client for kubeconfig.
func NewClient(kubeconfig string) (client.Client, error) {
	cfg, err := RestConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	c, err := client.New(cfg, client.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return c, nil
}

// GroupVersionKind returns the GVK used for kind.
func (s *Store) GroupVersionKind(kind resource.Kind) schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: s.group, Version: s.version, Kind: string(kind)}
}

func (s *Store) List(ctx context.Context, kind resource.Kind, owner string) ([]resource.LiveResource, error) {
	gvk := s.GroupVersionKind(kind)
	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))

	if err := s.client.List(ctx, list, client.MatchingLabels{resource.OwnerLabel: owner}); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}

	out := make([]resource.LiveResource, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, toLive(kind, &list.Items[i]))
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, key resource.Key) (*resource.LiveResource, error) {
	u, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	live := toLive(key.Kind, u)
	return &live, nil
}

func (s *Store) Create(ctx context.Context, res resource.LiveResource) (*resource.LiveResource, error) {
	u := &unstructured.Unstructured{Object: map[string]interface{}{}}
	u.SetGroupVersionKind(s.GroupVersionKind(res.Kind))
	u.SetNamespace(res.Identity.Namespace)
	u.SetName(res.Identity.Name)
	u.SetLabels(map[string]string{resource.OwnerLabel: res.Owner})
	u.SetAnnotations(copyMap(res.Annotations))
	u.Object["spec"] = specOf(res)

	if err := s.client.Create(ctx, u); err != nil {
		return nil, translate(err, res.Key())
	}
	live := toLive(res.Kind, u)
	return &live, nil
}

// Update rewrites spec, the managed annotations and the ownership label of
// the stored object. Foreign labels, annotations and status are preserved.
func (s *Store) Update(ctx context.Context, res resource.LiveResource) (*resource.LiveResource, error) {
	key := res.Key()
	u, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if u.GetResourceVersion() != res.ResourceVersion {
		return nil, fmt.Errorf("%s: expected version %s, found %s: %w",
			key, res.ResourceVersion, u.GetResourceVersion(), reconcile.ErrConflict)
	}

	labels := u.GetLabels()
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[resource.OwnerLabel] = res.Owner
	u.SetLabels(labels)

	annotations := u.GetAnnotations()
	if annotations == nil {
		annotations = make(map[string]string)
	}
	for _, k := range resource.ManagedAnnotations {
		delete(annotations, k)
	}
	for k, v := range res.Annotations {
		annotations[k] = v
	}
	u.SetAnnotations(annotations)
	u.Object["spec"] = specOf(res)

	if err := s.client.Update(ctx, u); err != nil {
		return nil, translate(err, key)
	}
	live := toLive(res.Kind, u)
	return &live, nil
}

func (s *Store) Delete(ctx context.Context, key resource.Key, resourceVersion string) error {
	u := &unstructured.Unstructured{Object: map[string]interface{}{}}
	u.SetGroupVersionKind(s.GroupVersionKind(key.Kind))
	u.SetNamespace(key.Identity.Namespace)
	u.SetName(key.Identity.Name)

	var opts []client.DeleteOption
	if resourceVersion != "" {
		opts = append(opts, client.Preconditions{ResourceVersion: &resourceVersion})
	}
	if err := s.client.Delete(ctx, u, opts...); err != nil {
		return translate(err, key)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key resource.Key) (*unstructured.Unstructured, error) {
	u := &unstructured.Unstructured{}
	u.SetGroupVersionKind(s.GroupVersionKind(key.Kind))
	objKey := client.ObjectKey{Namespace: key.Identity.Namespace, Name: key.Identity.Name}
	if err := s.client.Get(ctx, objKey, u); err != nil {
		return nil, translate(err, key)
	}
	return u, nil
}

func toLive(kind resource.Kind, u *unstructured.Unstructured) resource.LiveResource {
	spec, _ := u.Object["spec"].(map[string]interface{})
	return resource.LiveResource{
		Kind:            kind,
		Identity:        resource.Identity{Namespace: u.GetNamespace(), Name: u.GetName()},
		ResourceVersion: u.GetResourceVersion(),
		Spec:            spec,
		Owner:           u.GetLabels()[resource.OwnerLabel],
		Annotations:     u.GetAnnotations(),
	}
}

func specOf(res resource.LiveResource) map[string]interface{} {
	if res.Spec == nil {
		return map[string]interface{}{}
	}
	return res.Spec
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// translate maps API errors onto the reconcile sentinels.
func translate(err error, key resource.Key) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%s: %w", key, errors.Join(reconcile.ErrNotFound, err))
	case apierrors.IsConflict(err):
		return fmt.Errorf("%s: %w", key, errors.Join(reconcile.ErrConflict, err))
	case apierrors.IsAlreadyExists(err):
		return fmt.Errorf("%s: %w", key, errors.Join(reconcile.ErrAlreadyExists, err))
	default:
		return fmt.Errorf("%s: %w", key, err)
	}
}
