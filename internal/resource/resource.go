package resource

import (
	"fmt"
	"sort"
)

// Kind is the custom resource kind a configuration file declares.
type Kind string

const (
	KindModel       Kind = "Model"
	KindWorkflow    Kind = "Workflow"
	KindApplication Kind = "Application"
)

// Kinds lists every kind managed by crsyncd, in a stable order.
var Kinds = []Kind{KindModel, KindWorkflow, KindApplication}

// Identity is the namespace/name pair a desired entity is reconciled under.
type Identity struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (i Identity) String() string {
	return i.Namespace + "/" + i.Name
}

// Key identifies a custom resource within a repository: kind plus identity.
type Key struct {
	Kind     Kind     `json:"kind"`
	Identity Identity `json:"identity"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s", k.Kind, k.Identity)
}

// Less orders keys by kind, then namespace, then name.
func (k Key) Less(other Key) bool {
	if k.Kind != other.Kind {
		return k.Kind < other.Kind
	}
	if k.Identity.Namespace != other.Identity.Namespace {
		return k.Identity.Namespace < other.Identity.Namespace
	}
	return k.Identity.Name < other.Identity.Name
}

// SortKeys sorts keys in place using Key.Less.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// RepositoryRef identifies a configuration repository. It is created from
// configuration and never mutated.
type RepositoryRef struct {
	// Name is a DNS label; it is stamped on every managed resource as the
	// ownership label value.
	Name string
	URL  string
	// Branch is the branch whose tip is reconciled.
	Branch string
	// Namespace is the target namespace for entities that do not name one.
	Namespace string
	// EnvType is recorded on managed resources when set (workspace or exploitation).
	EnvType string
	// WorkspaceNamespace is recorded on managed resources when set.
	WorkspaceNamespace string
}

// DesiredEntity is the typed desired state parsed from one configuration file.
type DesiredEntity struct {
	Kind        Kind                   `json:"kind"`
	Identity    Identity               `json:"identity"`
	SpecVersion string                 `json:"spec_version,omitempty"`
	SourceFile  string                 `json:"source_file"`
	Spec        map[string]interface{} `json:"spec"`
}

// Key returns the reconciliation key of the entity.
func (e DesiredEntity) Key() Key {
	return Key{Kind: e.Kind, Identity: e.Identity}
}

// LiveResource is the cluster's copy of a managed custom resource.
type LiveResource struct {
	Kind            Kind
	Identity        Identity
	ResourceVersion string
	Spec            map[string]interface{}
	// Owner is the value of the ownership label (the owning repository name).
	Owner       string
	Annotations map[string]string
}

// Key returns the reconciliation key of the live resource.
func (r LiveResource) Key() Key {
	return Key{Kind: r.Kind, Identity: r.Identity}
}
