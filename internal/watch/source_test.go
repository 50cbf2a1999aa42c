package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSource(t *testing.T, root string, patterns []string) *FSSource {
	t.Helper()
	src, err := NewFSSource(root, NewMatcher(root, patterns), testLogger())
	if err != nil {
		t.Fatalf("NewFSSource: %v", err)
	}
	t.Cleanup(func() {
		_ = src.Close()
	})
	return src
}

// waitFor drains events until one matching path and op arrives.
func waitFor(t *testing.T, src *FSSource, path string, op Op) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-src.Events():
			if !ok {
				t.Fatalf("events channel closed while waiting for %s %s", op, path)
			}
			if ev.Path == path && ev.Op == op {
				if ev.Time.IsZero() {
					t.Error("event has zero timestamp")
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s %s", op, path)
		}
	}
}

func TestFSSourceEmitsCreate(t *testing.T) {
	root := t.TempDir()
	src := newTestSource(t, root, nil)

	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, src, path, OpCreated)
}

func TestFSSourceFiltersExcluded(t *testing.T) {
	root := t.TempDir()
	src := newTestSource(t, root, []string{"*.swp"})

	excluded := filepath.Join(root, "junk.swp")
	if err := os.WriteFile(excluded, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	kept := filepath.Join(root, "real.txt")
	if err := os.WriteFile(kept, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	// The excluded file must never surface; the kept one must.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-src.Events():
			if ev.Path == excluded {
				t.Fatal("excluded path emitted")
			}
			if ev.Path == kept {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for non-excluded event")
		}
	}
}

func TestFSSourceWatchesNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	src := newTestSource(t, root, nil)

	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	waitFor(t, src, sub, OpCreated)

	// A file inside the late-created directory must be observed too.
	inner := filepath.Join(sub, "inner.txt")
	if err := os.WriteFile(inner, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, src, inner, OpCreated)
}

func TestFSSourceSurfacesFilesInNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	src := newTestSource(t, root, nil)

	// The file lands in the same instant as its directory, before the
	// watch on the new directory can be registered. It must still be
	// surfaced as a created event.
	sub := filepath.Join(root, "late")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	inner := filepath.Join(sub, "preexisting.txt")
	if err := os.WriteFile(inner, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, src, inner, OpCreated)
}

func TestFSSourceNewSubdirectorySkipsExcludedFiles(t *testing.T) {
	root := t.TempDir()
	src := newTestSource(t, root, []string{"*.swp"})

	sub := filepath.Join(root, "late")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	excluded := filepath.Join(sub, "junk.swp")
	if err := os.WriteFile(excluded, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	kept := filepath.Join(sub, "real.txt")
	if err := os.WriteFile(kept, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-src.Events():
			if ev.Path == excluded {
				t.Fatal("excluded path emitted")
			}
			if ev.Path == kept {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for file in new subdirectory")
		}
	}
}

func TestFSSourceEmitsDelete(t *testing.T) {
	root := t.TempDir()

	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	src := newTestSource(t, root, nil)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	waitFor(t, src, path, OpDeleted)
}

func TestFSSourceCloseClosesChannels(t *testing.T) {
	root := t.TempDir()
	src, err := NewFSSource(root, NewMatcher(root, nil), testLogger())
	if err != nil {
		t.Fatalf("NewFSSource: %v", err)
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-src.Events():
		if ok {
			// Buffered pre-close events are fine; drain until closed.
			for range src.Events() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestOpString(t *testing.T) {
	tests := map[Op]string{
		OpCreated:  "created",
		OpModified: "modified",
		OpDeleted:  "deleted",
		OpRenamed:  "renamed",
	}
	for op, want := range tests {
		if op.String() != want {
			t.Errorf("Op(%d).String() = %s, want %s", op, op.String(), want)
		}
	}
}
