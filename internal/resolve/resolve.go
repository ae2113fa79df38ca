// Package resolve turns changed configuration files into typed desired
// entities. It performs no I/O.
package resolve

import (
	"fmt"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/yaml"

	"github.com/schaermu/crsyncd/internal/resource"
	"github.com/schaermu/crsyncd/internal/scan"
)

// Envelope fields shared by every kind. Everything else in a document is
// validated as the kind's spec.
const (
	fieldKind      = "kind"
	fieldType      = "type"
	fieldID        = "id"
	fieldNamespace = "namespace"
	fieldVersion   = "version"
	fieldPlatform  = "platform"
)

// Resolver parses configuration documents.
type Resolver struct {
	platform string
}

// New creates a resolver. When platform is non-empty, documents declaring a
// different platform are skipped.
func New(platform string) *Resolver {
	return &Resolver{platform: platform}
}

// Resolve parses a changed file into a desired entity. Deleted files and
// documents for another platform resolve to nil without error.
//
// Failures are *ValidationError or *UnsupportedKindError.
func (r *Resolver) Resolve(repo resource.RepositoryRef, change scan.ChangeRecord) (*resource.DesiredEntity, error) {
	if change.Change == scan.Deleted {
		return nil, nil
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(change.Content, &doc); err != nil {
		return nil, invalid(change.Path, "malformed document: %v", err)
	}
	if len(doc) == 0 {
		return nil, invalid(change.Path, "empty document")
	}

	if r.platform != "" {
		if p, ok := doc[fieldPlatform]; ok && fmt.Sprint(p) != r.platform {
			return nil, nil
		}
	}

	kind, err := declaredKind(change.Path, doc)
	if err != nil {
		return nil, err
	}

	name, ok := doc[fieldID].(string)
	if !ok || name == "" {
		return nil, invalid(change.Path, "id is required")
	}
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return nil, invalid(change.Path, "invalid id %q: %s", name, strings.Join(errs, "; "))
	}

	namespace := repo.Namespace
	if v, ok := doc[fieldNamespace]; ok {
		ns, ok := v.(string)
		if !ok || ns == "" {
			return nil, invalid(change.Path, "namespace must be a non-empty string")
		}
		namespace = ns
	}
	if namespace == "" {
		namespace = "default"
	}
	if errs := validation.IsDNS1123Label(namespace); len(errs) > 0 {
		return nil, invalid(change.Path, "invalid namespace %q: %s", namespace, strings.Join(errs, "; "))
	}

	version, err := specVersion(doc[fieldVersion])
	if err != nil {
		return nil, invalid(change.Path, "%v", err)
	}

	fields := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		switch k {
		case fieldKind, fieldType, fieldID, fieldNamespace, fieldVersion, fieldPlatform:
			continue
		}
		fields[k] = v
	}

	spec, err := validators[kind](fields)
	if err != nil {
		return nil, invalid(change.Path, "%s spec: %v", kind, err)
	}
	if version != "" {
		spec[fieldVersion] = version
	}

	return &resource.DesiredEntity{
		Kind:        kind,
		Identity:    resource.Identity{Namespace: namespace, Name: name},
		SpecVersion: version,
		SourceFile:  change.Path,
		Spec:        spec,
	}, nil
}

// declaredKind reads the document kind, falling back to the legacy type field.
func declaredKind(path string, doc map[string]interface{}) (resource.Kind, error) {
	raw, ok := doc[fieldKind]
	if !ok {
		raw, ok = doc[fieldType]
	}
	if !ok {
		return "", invalid(path, "kind is required")
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", invalid(path, "kind must be a non-empty string")
	}
	kind, ok := kindByName[strings.ToLower(s)]
	if !ok {
		return "", &UnsupportedKindError{Path: path, Kind: s}
	}
	return kind, nil
}

func specVersion(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("version must be a string or number")
	}
}
