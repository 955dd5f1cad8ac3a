package persona

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/reeve/internal/tools"
)

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadJoinsSortedDocuments(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "20-style.md", "Be terse.")
	writeDoc(t, dir, "10-identity.md", "You are Reeve.")
	writeDoc(t, dir, "notes.txt", "not a persona doc")

	got, err := NewLoader(dir, nil).Load()
	if err != nil {
		t.Fatal(err)
	}

	want := "You are Reeve.\n\n---\n\nBe terse."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if strings.Contains(got, "not a persona doc") {
		t.Error("non-markdown file leaked into persona")
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "absent"), nil).Load()
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestLoadEmptyDirectory(t *testing.T) {
	_, err := NewLoader(t.TempDir(), nil).Load()
	if err == nil {
		t.Fatal("expected error when no persona documents exist")
	}
}

func TestLoadSkipsBlankDocuments(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "a.md", "   \n\n")
	writeDoc(t, dir, "b.md", "Real content.")

	got, err := NewLoader(dir, nil).Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != "Real content." {
		t.Errorf("got %q", got)
	}
}

func TestLoadAllBlank(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "a.md", "\n")

	if _, err := NewLoader(dir, nil).Load(); err == nil {
		t.Fatal("expected error when every document is blank")
	}
}

func TestManifestListsRegisteredTools(t *testing.T) {
	r := tools.NewRegistry(nil)
	r.Register(&tools.Capability{
		Name:        "web.search",
		Description: "Search the web.",
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			return tools.Result{OK: true}
		},
	})
	r.Register(&tools.Capability{
		Name: "fs.readText",
		Handler: func(ctx context.Context, args map[string]any) tools.Result {
			return tools.Result{OK: true}
		},
	})

	m := Manifest(r)
	if !strings.Contains(m, "- web.search: Search the web.") {
		t.Errorf("manifest missing search entry:\n%s", m)
	}
	if !strings.Contains(m, "- fs.readText") {
		t.Errorf("manifest missing file entry:\n%s", m)
	}
	// fs sorts before web
	if strings.Index(m, "fs.readText") > strings.Index(m, "web.search") {
		t.Error("manifest entries not sorted by name")
	}
}

func TestManifestEmptyRegistry(t *testing.T) {
	m := Manifest(tools.NewRegistry(nil))
	if !strings.Contains(m, "No tools are available") {
		t.Errorf("manifest = %q", m)
	}
}
