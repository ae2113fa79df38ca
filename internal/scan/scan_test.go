package scan_test

import (
	"context"
	"errors"
	"testing"

	"github.com/schaermu/crsyncd/internal/resource"
	"github.com/schaermu/crsyncd/internal/scan"
	"github.com/schaermu/crsyncd/internal/snapshot"
	"github.com/schaermu/crsyncd/internal/testutil"
)

var repo = resource.RepositoryRef{Name: "catalogue", URL: "https://example.com/org/catalogue.git", Branch: "main"}

func changeSummary(changes []scan.ChangeRecord) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, string(c.Change)+" "+c.Path)
	}
	return out
}

func assertChanges(t *testing.T, got []scan.ChangeRecord, want []string) {
	t.Helper()
	summary := changeSummary(got)
	if len(summary) != len(want) {
		t.Fatalf("got %d changes %v, want %d %v", len(summary), summary, len(want), want)
	}
	for i := range want {
		if summary[i] != want[i] {
			t.Errorf("change[%d] = %q, want %q", i, summary[i], want[i])
		}
	}
}

func TestScan_FirstScanReportsAllEligibleAsAdded(t *testing.T) {
	snaps := testutil.NewSnapshots()
	snaps.Commit("catalogue", "c1", map[string]string{
		"models/b.yaml":             "kind: Model\nid: b\n",
		"models/a.yaml":             "kind: Model\nid: a\n",
		"README.md":                 "# readme",
		".github/workflows/ci.yaml": "on: push",
		"workflows/w.json":          `{"kind":"Workflow"}`,
	})

	s := scan.NewScanner(scan.NewPolicy("", nil))
	result, err := s.Scan(context.Background(), snaps, repo, "", "c1")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	assertChanges(t, result.Changes, []string{
		"Added models/a.yaml",
		"Added models/b.yaml",
		"Added workflows/w.json",
	})
	if len(result.Hashes) != 3 {
		t.Errorf("expected 3 hashes, got %d", len(result.Hashes))
	}
	for _, c := range result.Changes {
		if c.Hash == "" || len(c.Content) == 0 {
			t.Errorf("change %s missing content or hash", c.Path)
		}
	}
}

func TestScan_DetectsModifiedAndDeleted(t *testing.T) {
	snaps := testutil.NewSnapshots()
	snaps.Commit("catalogue", "c1", map[string]string{
		"a.yaml":    "v: 1",
		"b.yaml":    "v: 1",
		"c.yaml":    "v: 1",
		"notes.txt": "one",
	})
	snaps.Commit("catalogue", "c2", map[string]string{
		"a.yaml":    "v: 2",
		"c.yaml":    "v: 1",
		"d.yml":     "v: 1",
		"notes.txt": "two",
	})

	s := scan.NewScanner(scan.NewPolicy("", nil))
	result, err := s.Scan(context.Background(), snaps, repo, "c1", "c2")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	assertChanges(t, result.Changes, []string{
		"Modified a.yaml",
		"Deleted b.yaml",
		"Added d.yml",
	})
	for _, c := range result.Changes {
		if c.Change == scan.Deleted && (c.Content != nil || c.Hash != "") {
			t.Errorf("deleted change %s should carry no content", c.Path)
		}
	}
}

func TestScan_NoChangesBetweenIdenticalTrees(t *testing.T) {
	snaps := testutil.NewSnapshots()
	tree := map[string]string{"a.yaml": "v: 1"}
	snaps.Commit("catalogue", "c1", tree)
	snaps.Commit("catalogue", "c2", tree)

	s := scan.NewScanner(scan.NewPolicy("", nil))
	result, err := s.Scan(context.Background(), snaps, repo, "c1", "c2")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(result.Changes) != 0 {
		t.Errorf("expected no changes, got %v", changeSummary(result.Changes))
	}
}

func TestScan_ConfigDirRestriction(t *testing.T) {
	snaps := testutil.NewSnapshots()
	snaps.Commit("catalogue", "c1", map[string]string{
		"catalogue/a.yaml":    "v: 1",
		"catalogue/x/b.json":  "{}",
		"catalogue-old/c.yml": "v: 1",
		"other/d.yaml":        "v: 1",
	})

	s := scan.NewScanner(scan.NewPolicy("catalogue/", nil))
	result, err := s.Scan(context.Background(), snaps, repo, "", "c1")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	assertChanges(t, result.Changes, []string{
		"Added catalogue/a.yaml",
		"Added catalogue/x/b.json",
	})
}

func TestScan_UnreachablePreviousCommit(t *testing.T) {
	snaps := testutil.NewSnapshots()
	snaps.Commit("catalogue", "c2", map[string]string{"a.yaml": "v: 1"})
	snaps.Unreachable["c1"] = true

	s := scan.NewScanner(scan.NewPolicy("", nil))
	_, err := s.Scan(context.Background(), snaps, repo, "c1", "c2")
	if !errors.Is(err, snapshot.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNewPolicy_NormalizesExtensions(t *testing.T) {
	in := []string{".YAML", "yml", " .Json "}
	p := scan.NewPolicy("models/", in)

	want := []string{".yaml", ".yml", ".json"}
	if len(p.Extensions) != len(want) {
		t.Fatalf("Extensions = %v, want %v", p.Extensions, want)
	}
	for i := range want {
		if p.Extensions[i] != want[i] {
			t.Errorf("Extensions[%d] = %q, want %q", i, p.Extensions[i], want[i])
		}
	}
	if in[0] != ".YAML" {
		t.Errorf("caller slice modified: %v", in)
	}
	if p.Dir != "models" {
		t.Errorf("Dir = %q, want models", p.Dir)
	}
}

func TestPolicy_Eligible(t *testing.T) {
	tests := []struct {
		name   string
		policy scan.Policy
		path   string
		want   bool
	}{
		{"yaml at root", scan.NewPolicy("", nil), "a.yaml", true},
		{"upper-case extension", scan.NewPolicy("", nil), "a.YAML", true},
		{"json nested", scan.NewPolicy("", nil), "x/y/a.json", true},
		{"markdown", scan.NewPolicy("", nil), "README.md", false},
		{"hidden dir", scan.NewPolicy("", nil), ".github/ci.yaml", false},
		{"hidden file", scan.NewPolicy("", nil), "models/.draft.yaml", false},
		{"inside dir", scan.NewPolicy("models", nil), "models/a.yaml", true},
		{"prefix sibling", scan.NewPolicy("models", nil), "models2/a.yaml", false},
		{"outside dir", scan.NewPolicy("models", nil), "a.yaml", false},
		{"custom extension", scan.NewPolicy("", []string{".cfg"}), "a.cfg", true},
		{"custom excludes yaml", scan.NewPolicy("", []string{".cfg"}), "a.yaml", false},
		{"upper-case configured extension", scan.NewPolicy("", []string{".YAML"}), "a.yaml", true},
		{"configured extension without dot", scan.NewPolicy("", []string{"yml"}), "b.YML", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Eligible(tt.path); got != tt.want {
				t.Errorf("Eligible(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}
