package reconcile

import (
	"bytes"
	"encoding/json"

	"github.com/schaermu/crsyncd/internal/index"
	"github.com/schaermu/crsyncd/internal/resource"
)

// OpType is the kind of mutation a reconcile operation performs.
type OpType string

const (
	OpCreate OpType = "Create"
	OpUpdate OpType = "Update"
	OpDelete OpType = "Delete"
)

// Op is one planned mutation.
type Op struct {
	Type OpType
	Key  resource.Key
	// Desired is the rendered resource for Create and Update.
	Desired *resource.LiveResource
	// ExpectedResourceVersion is the observed version for Update and Delete.
	ExpectedResourceVersion string
}

// Plan diffs desired against the live resources owned by repo. Creates and
// updates come first sorted by key, followed by deletes sorted by key. Live
// resources owned by another repository are ignored. With prune disabled no
// deletes are planned.
func Plan(repo resource.RepositoryRef, desired index.Desired, live []resource.LiveResource, prune bool) []Op {
	liveByKey := make(map[resource.Key]resource.LiveResource, len(live))
	for _, l := range live {
		if l.Owner != repo.Name {
			continue
		}
		liveByKey[l.Key()] = l
	}

	desiredKeys := make([]resource.Key, 0, len(desired))
	for k := range desired {
		desiredKeys = append(desiredKeys, k)
	}
	resource.SortKeys(desiredKeys)

	var ops []Op
	for _, k := range desiredKeys {
		want := resource.Render(repo, desired[k])
		have, exists := liveByKey[k]
		switch {
		case !exists:
			ops = append(ops, Op{Type: OpCreate, Key: k, Desired: &want})
		case !Converged(want, have):
			ops = append(ops, Op{Type: OpUpdate, Key: k, Desired: &want, ExpectedResourceVersion: have.ResourceVersion})
		}
	}

	if !prune {
		return ops
	}

	var orphans []resource.Key
	for k := range liveByKey {
		if _, ok := desired[k]; !ok {
			orphans = append(orphans, k)
		}
	}
	resource.SortKeys(orphans)
	for _, k := range orphans {
		ops = append(ops, Op{Type: OpDelete, Key: k, ExpectedResourceVersion: liveByKey[k].ResourceVersion})
	}
	return ops
}

// Converged reports whether have already matches want: same owner, same spec
// and the same managed annotations. Foreign annotations are ignored.
func Converged(want, have resource.LiveResource) bool {
	if want.Owner != have.Owner {
		return false
	}
	for _, k := range resource.ManagedAnnotations {
		if want.Annotations[k] != have.Annotations[k] {
			return false
		}
	}
	return specEqual(want.Spec, have.Spec)
}

// specEqual compares specs by their JSON encoding: desired specs carry
// float64 numbers, specs read from the API server carry int64.
func specEqual(a, b map[string]interface{}) bool {
	if a == nil {
		a = map[string]interface{}{}
	}
	if b == nil {
		b = map[string]interface{}{}
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
