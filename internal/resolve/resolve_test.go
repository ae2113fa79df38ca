package resolve

import (
	"errors"
	"strings"
	"testing"

	"github.com/schaermu/crsyncd/internal/resource"
	"github.com/schaermu/crsyncd/internal/scan"
)

var testRepo = resource.RepositoryRef{Name: "catalogue", Namespace: "models", Branch: "main"}

func added(path, content string) scan.ChangeRecord {
	return scan.ChangeRecord{Path: path, Change: scan.Added, Content: []byte(content), Hash: "h"}
}

func TestResolve_Deleted(t *testing.T) {
	r := New("")
	e, err := r.Resolve(testRepo, scan.ChangeRecord{Path: "a.yaml", Change: scan.Deleted})
	if err != nil || e != nil {
		t.Fatalf("expected nil, nil for deleted file, got %v, %v", e, err)
	}
}

func TestResolve_Model(t *testing.T) {
	r := New("")
	doc := `
kind: Model
id: sentiment
version: 2
name: Sentiment classifier
model-serving:
  model-server: triton
  replicas: 2
experiment-tracking:
  url: https://mlflow.example.com
`
	e, err := r.Resolve(testRepo, added("models/sentiment.yaml", doc))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.Kind != resource.KindModel {
		t.Errorf("kind = %s, want Model", e.Kind)
	}
	if e.Identity != (resource.Identity{Namespace: "models", Name: "sentiment"}) {
		t.Errorf("identity = %v", e.Identity)
	}
	if e.SpecVersion != "2" {
		t.Errorf("spec version = %q, want 2", e.SpecVersion)
	}
	if e.SourceFile != "models/sentiment.yaml" {
		t.Errorf("source file = %q", e.SourceFile)
	}
	if e.Spec["version"] != "2" {
		t.Errorf("spec version field = %v", e.Spec["version"])
	}
	if _, ok := e.Spec["id"]; ok {
		t.Error("envelope field id leaked into spec")
	}
	if _, ok := e.Spec["kind"]; ok {
		t.Error("envelope field kind leaked into spec")
	}
}

func TestResolve_JSONDocument(t *testing.T) {
	r := New("")
	doc := `{"kind": "workflow", "id": "train", "namespace": "pipelines", "steps": [{"id": "fetch"}, {"id": "fit"}]}`
	e, err := r.Resolve(testRepo, added("wf/train.json", doc))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.Kind != resource.KindWorkflow {
		t.Errorf("kind = %s, want Workflow", e.Kind)
	}
	if e.Identity.Namespace != "pipelines" {
		t.Errorf("namespace = %q, want pipelines", e.Identity.Namespace)
	}
}

func TestResolve_LegacyTypeField(t *testing.T) {
	r := New("")
	e, err := r.Resolve(testRepo, added("app.yaml", "type: APPLICATION\nid: web\nmodel: sentiment\nreplicas: 3\n"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.Kind != resource.KindApplication {
		t.Errorf("kind = %s, want Application", e.Kind)
	}
}

func TestResolve_DefaultNamespace(t *testing.T) {
	r := New("")
	repo := testRepo
	repo.Namespace = ""
	e, err := r.Resolve(repo, added("m.yaml", "kind: Model\nid: m\n"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.Identity.Namespace != "default" {
		t.Errorf("namespace = %q, want default", e.Identity.Namespace)
	}
}

func TestResolve_UnsupportedKind(t *testing.T) {
	r := New("")
	_, err := r.Resolve(testRepo, added("d.yaml", "kind: Dataset\nid: d\n"))
	var uk *UnsupportedKindError
	if !errors.As(err, &uk) {
		t.Fatalf("expected UnsupportedKindError, got %v", err)
	}
	if uk.Kind != "Dataset" || uk.Path != "d.yaml" {
		t.Errorf("unexpected error fields: %+v", uk)
	}
}

func TestResolve_Platform(t *testing.T) {
	r := New("kubeflow")

	e, err := r.Resolve(testRepo, added("m.yaml", "kind: Model\nid: m\nplatform: sagemaker\n"))
	if err != nil || e != nil {
		t.Fatalf("expected other-platform document to be skipped, got %v, %v", e, err)
	}

	e, err = r.Resolve(testRepo, added("m.yaml", "kind: Model\nid: m\nplatform: kubeflow\n"))
	if err != nil || e == nil {
		t.Fatalf("expected matching platform to resolve, got %v, %v", e, err)
	}
	if _, ok := e.Spec["platform"]; ok {
		t.Error("platform should not be part of the spec payload")
	}

	e, err = r.Resolve(testRepo, added("m.yaml", "kind: Model\nid: m\n"))
	if err != nil || e == nil {
		t.Fatalf("expected document without platform to resolve, got %v, %v", e, err)
	}
}

func TestResolve_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		reason  string
	}{
		{"malformed", "kind: [unterminated", "malformed document"},
		{"empty", "", "empty document"},
		{"missing kind", "id: m\n", "kind is required"},
		{"non-string kind", "kind: 3\nid: m\n", "kind must be"},
		{"missing id", "kind: Model\n", "id is required"},
		{"bad id", "kind: Model\nid: Not_Valid\n", "invalid id"},
		{"bad namespace", "kind: Model\nid: m\nnamespace: a.b\n", "invalid namespace"},
		{"unknown field", "kind: Model\nid: m\nowner: bob\n", "unknown fields: owner"},
		{"model-serving without server", "kind: Model\nid: m\nmodel-serving:\n  replicas: 1\n", "model-server is required"},
		{"workflow without steps", "kind: Workflow\nid: w\n", "steps must be a non-empty list"},
		{"workflow step without id", "kind: Workflow\nid: w\nsteps:\n  - name: x\n", "steps[0].id is required"},
		{"workflow duplicate step", "kind: Workflow\nid: w\nsteps:\n  - id: a\n  - id: a\n", "duplicate step id"},
		{"application without model", "kind: Application\nid: a\n", "model is required"},
		{"negative replicas", "kind: Application\nid: a\nmodel: m\nreplicas: -1\n", "replicas must be"},
		{"fractional replicas", "kind: Application\nid: a\nmodel: m\nreplicas: 1.5\n", "replicas must be"},
		{"env not strings", "kind: Application\nid: a\nmodel: m\nenv:\n  DEBUG: true\n", "env.DEBUG must be a string"},
		{"bad version", "kind: Model\nid: m\nversion: [1]\n", "version must be"},
	}

	r := New("")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := r.Resolve(testRepo, added("bad.yaml", tt.content))
			if e != nil {
				t.Fatalf("expected no entity, got %+v", e)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Path != "bad.yaml" {
				t.Errorf("path = %q, want bad.yaml", ve.Path)
			}
			if !strings.Contains(ve.Reason, tt.reason) {
				t.Errorf("reason %q does not contain %q", ve.Reason, tt.reason)
			}
		})
	}
}
