package watch

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Matcher applies an ordered set of glob patterns to paths under a root.
// A pattern matches if it matches the path's base name or its slash-form
// path relative to the root.
type Matcher struct {
	root     string
	patterns []string
}

// NewMatcher creates a matcher for paths under root.
func NewMatcher(root string, patterns []string) *Matcher {
	return &Matcher{root: root, patterns: patterns}
}

// Excluded reports whether p (absolute) is excluded from observation.
// A path inside an excluded directory is itself excluded.
func (m *Matcher) Excluded(p string) bool {
	rel, err := filepath.Rel(m.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)

	// Each path element is checked so that anything below an excluded
	// directory (e.g. .git) is excluded as well.
	elems := strings.Split(rel, "/")
	for _, pattern := range m.patterns {
		for _, elem := range elems {
			if ok, _ := path.Match(pattern, elem); ok {
				return true
			}
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// DiscoverDirs finds all non-excluded directories under root, root
// included. Used to seed recursive watches.
func DiscoverDirs(root string, m *Matcher) ([]string, error) {
	var dirs []string

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if p != root && m.Excluded(p) {
			return filepath.SkipDir
		}
		dirs = append(dirs, p)
		return nil
	})

	if err != nil {
		return nil, err
	}

	return dirs, nil
}

// DiscoverFiles finds all non-excluded regular files under root.
func DiscoverFiles(root string, m *Matcher) ([]string, error) {
	var files []string

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if m.Excluded(p) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			files = append(files, p)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}
