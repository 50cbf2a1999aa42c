package watch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMatcherExcluded(t *testing.T) {
	m := NewMatcher("/data/tree", []string{".git", "*.swp", "node_modules", "build/*.o"})

	tests := []struct {
		path string
		want bool
	}{
		{"/data/tree/a.txt", false},
		{"/data/tree/.git", true},
		{"/data/tree/.git/objects/ab/cdef", true},
		{"/data/tree/sub/.git/config", true},
		{"/data/tree/notes.swp", true},
		{"/data/tree/deep/nested/file.swp", true},
		{"/data/tree/node_modules/pkg/index.js", true},
		{"/data/tree/build/main.o", true},
		{"/data/tree/build/main.c", false},
		{"/data/tree", false},
		{"/elsewhere/file.swp", false},
	}

	for _, tc := range tests {
		if got := m.Excluded(tc.path); got != tc.want {
			t.Errorf("Excluded(%s) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestDiscoverDirsSkipsExcluded(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"src", "src/pkg", ".git", ".git/objects", "docs"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}

	m := NewMatcher(root, []string{".git"})
	dirs, err := DiscoverDirs(root, m)
	if err != nil {
		t.Fatalf("DiscoverDirs: %v", err)
	}

	found := make(map[string]bool)
	for _, d := range dirs {
		rel, _ := filepath.Rel(root, d)
		found[rel] = true
	}

	for _, want := range []string{".", "src", "src/pkg", "docs"} {
		if !found[want] {
			t.Errorf("missing dir %s", want)
		}
	}
	if found[".git"] || found[".git/objects"] {
		t.Error("excluded dir was discovered")
	}
}

func TestDiscoverFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"a.txt", "sub/b.txt", "c.swp"} {
		if err := os.WriteFile(filepath.Join(root, f), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	m := NewMatcher(root, []string{"*.swp"})
	files, err := DiscoverFiles(root, m)
	if err != nil {
		t.Fatalf("DiscoverFiles: %v", err)
	}

	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d: %v", len(files), files)
	}
}
