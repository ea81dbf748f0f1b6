package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"prospector/internal/types"
)

func queryVars() map[string]string {
	return map[string]string{
		"industry":            "plumbing",
		"target":              "residential plumbers",
		"location":            "Austin, TX",
		"radius_km":           "25",
		"exclusions":          "franchise",
		"additional_criteria": "none",
		"count":               "10",
		"previous_queries":    "(none)",
	}
}

func TestBuiltinsCoverKnownIDs(t *testing.T) {
	reg, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	set := reg.Current()
	for _, id := range []string{IDQueryOptimization, IDWebsiteExtraction, IDRelevanceScoring} {
		if _, ok := set.Get(id); !ok {
			t.Errorf("builtin prompt %q missing", id)
		}
	}
	if got := len(set.IDs()); got != 3 {
		t.Errorf("IDs() returned %d ids, want 3", got)
	}
}

func TestRenderSubstitutesAllPlaceholders(t *testing.T) {
	reg, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	text, snap, err := reg.Render(IDQueryOptimization, queryVars())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(text, "{{") {
		t.Errorf("rendered text still contains placeholders:\n%s", text)
	}
	if !strings.Contains(text, "plumbing") || !strings.Contains(text, "Austin, TX") {
		t.Errorf("rendered text missing substituted values")
	}
	if snap.ID != IDQueryOptimization {
		t.Errorf("snapshot ID = %q, want %q", snap.ID, IDQueryOptimization)
	}
	if snap.Version == "" || snap.VarsHash == "" {
		t.Errorf("snapshot incomplete: %+v", snap)
	}
}

func TestRenderMissingVariableFails(t *testing.T) {
	reg, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	vars := queryVars()
	delete(vars, "industry")
	_, _, err = reg.Render(IDQueryOptimization, vars)
	if err == nil {
		t.Fatal("expected error for unresolved variable")
	}
	if !strings.Contains(err.Error(), "industry") {
		t.Errorf("error should name the missing variable, got: %v", err)
	}
}

func TestRenderUnknownID(t *testing.T) {
	reg, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, _, err := reg.Render("no_such_prompt", nil); err == nil {
		t.Fatal("expected error for unknown prompt id")
	}
}

func TestVarsHashStable(t *testing.T) {
	a := hashVars(map[string]string{"x": "1", "y": "2"})
	b := hashVars(map[string]string{"y": "2", "x": "1"})
	if a != b {
		t.Errorf("hash differs for identical bindings: %s vs %s", a, b)
	}
	c := hashVars(map[string]string{"x": "1", "y": "3"})
	if a == c {
		t.Errorf("hash collides for different bindings")
	}
}

func TestDirOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	override := "id: query_optimization\nversion: \"9.9\"\ntemplate: |\n  custom {{industry}} query plan\n"
	if err := os.WriteFile(filepath.Join(dir, "query.yaml"), []byte(override), 0644); err != nil {
		t.Fatal(err)
	}

	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	p, ok := reg.Current().Get(IDQueryOptimization)
	if !ok {
		t.Fatal("query_optimization missing after override")
	}
	if p.Version != "9.9" {
		t.Errorf("Version = %q, want 9.9", p.Version)
	}
	text, _, err := reg.Render(IDQueryOptimization, map[string]string{"industry": "hvac"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(text, "custom hvac query plan") {
		t.Errorf("override template not used, got: %s", text)
	}
	// The other builtins survive the overlay.
	if _, ok := reg.Current().Get(IDRelevanceScoring); !ok {
		t.Error("relevance_scoring lost after overlay")
	}
}

func TestUnreadablePromptFileSkipped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("template: no id here\n"), 0644); err != nil {
		t.Fatal(err)
	}
	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry should skip bad files, got: %v", err)
	}
	if got := len(reg.Current().IDs()); got != 3 {
		t.Errorf("expected 3 builtins after skipping bad file, got %d", got)
	}
}

func TestMissingDirServesBuiltins(t *testing.T) {
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got := len(reg.Current().IDs()); got != 3 {
		t.Errorf("expected builtins from missing dir, got %d prompts", got)
	}
}

func TestReloadDoesNotMutateHandedOutSet(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	before := reg.Current()

	override := "id: relevance_scoring\nversion: \"2\"\ntemplate: |\n  changed\n"
	if err := os.WriteFile(filepath.Join(dir, "rel.yaml"), []byte(override), 0644); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	p, _ := before.Get(IDRelevanceScoring)
	if p.Version == "2" {
		t.Error("reload mutated a previously captured set")
	}
	p, _ = reg.Current().Get(IDRelevanceScoring)
	if p.Version != "2" {
		t.Errorf("current set not swapped, version = %q", p.Version)
	}
}

func TestSnapshotsAndTemplates(t *testing.T) {
	reg, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	set := reg.Current()

	templates := set.Templates()
	if len(templates) != 3 {
		t.Fatalf("Templates() has %d entries, want 3", len(templates))
	}
	if templates[IDQueryOptimization] == "" {
		t.Error("query_optimization template empty")
	}

	want := map[string]types.PromptSnapshot{
		IDQueryOptimization: {ID: IDQueryOptimization, Version: "1.2"},
		IDWebsiteExtraction: {ID: IDWebsiteExtraction, Version: "1.1"},
		IDRelevanceScoring:  {ID: IDRelevanceScoring, Version: "1.3"},
	}
	if diff := cmp.Diff(want, set.Snapshots()); diff != "" {
		t.Errorf("Snapshots() mismatch (-want +got):\n%s", diff)
	}
}
