package snapshot

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snapsyncd/snapsyncd/internal/git"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func initRepo(t *testing.T, dir string) {
	t.Helper()
	for _, args := range [][]string{
		{"git", "init", "-b", "main", dir},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	} {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

func newTestEngine(t *testing.T, excludes []string) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	initRepo(t, root)
	client := git.NewShellClient("", "", 10*time.Second)
	return NewEngine(root, excludes, client, testLogger()), root
}

func TestVerifyRequiresRepository(t *testing.T) {
	ctx := context.Background()
	client := git.NewShellClient("", "", 10*time.Second)

	engine := NewEngine(t.TempDir(), nil, client, testLogger())
	if err := engine.Verify(ctx); err == nil {
		t.Fatal("expected error for non-repository")
	}

	withRepo, _ := newTestEngine(t, nil)
	if err := withRepo.Verify(ctx); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSnapshotRecordsAddedFile(t *testing.T) {
	ctx := context.Background()
	engine, root := newTestEngine(t, nil)

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rev, err := engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if rev == nil {
		t.Fatal("expected a revision")
	}

	if !strings.HasPrefix(rev.Message, "Automatic backup ") {
		t.Errorf("unexpected message: %q", rev.Message)
	}
	if _, err := time.Parse(time.RFC3339, strings.TrimPrefix(rev.Message, "Automatic backup ")); err != nil {
		t.Errorf("message timestamp not ISO-8601: %q", rev.Message)
	}
	if len(rev.ID) != 40 {
		t.Errorf("unexpected revision id: %q", rev.ID)
	}

	if len(rev.Changes) != 1 {
		t.Fatalf("expected 1 change, got %v", rev.Changes)
	}
	if rev.Changes[0].Path != "a.txt" || rev.Changes[0].Kind != git.Added {
		t.Errorf("unexpected change record: %+v", rev.Changes[0])
	}
}

func TestSnapshotNoChangesIsNoOp(t *testing.T) {
	ctx := context.Background()
	engine, root := newTestEngine(t, nil)

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}

	// Repeated trigger with no intervening change: zero revisions.
	rev, err := engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot on clean tree: %v", err)
	}
	if rev != nil {
		t.Errorf("expected nil revision on clean tree, got %+v", rev)
	}
}

func TestSnapshotCoalescesMultipleChanges(t *testing.T) {
	ctx := context.Background()
	engine, root := newTestEngine(t, nil)

	for _, name := range []string{"one.txt", "two.txt"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("x\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	rev, err := engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if rev == nil || len(rev.Changes) != 2 {
		t.Fatalf("expected one revision with 2 changes, got %+v", rev)
	}
}

func TestSnapshotSkipsExcludedOnlyChanges(t *testing.T) {
	ctx := context.Background()
	engine, root := newTestEngine(t, []string{"*.swp"})

	if err := os.WriteFile(filepath.Join(root, "junk.swp"), []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rev, err := engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if rev != nil {
		t.Errorf("excluded-only change produced a revision: %+v", rev)
	}
}

func TestSnapshotExcludesMixedChanges(t *testing.T) {
	ctx := context.Background()
	engine, root := newTestEngine(t, []string{"*.swp"})

	if err := os.WriteFile(filepath.Join(root, "real.txt"), []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "junk.swp"), []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rev, err := engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if rev == nil {
		t.Fatal("expected a revision")
	}
	for _, ch := range rev.Changes {
		if ch.Path == "junk.swp" {
			t.Error("excluded path recorded in revision")
		}
	}

	out, err := exec.Command("git", "-C", root, "ls-files").Output()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "junk.swp") {
		t.Error("excluded file was committed")
	}
}

func TestSnapshotDeletedFile(t *testing.T) {
	ctx := context.Background()
	engine, root := newTestEngine(t, nil)

	path := filepath.Join(root, "a.txt")
	if err := os.WriteFile(path, []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	rev, err := engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if rev == nil || len(rev.Changes) != 1 {
		t.Fatalf("expected one revision with 1 change, got %+v", rev)
	}
	if rev.Changes[0].Kind != git.Deleted {
		t.Errorf("expected deleted record, got %s", rev.Changes[0].Kind)
	}
}

func TestShortID(t *testing.T) {
	rev := &Revision{ID: "0123456789abcdef0123456789abcdef01234567"}
	if rev.ShortID() != "0123456789ab" {
		t.Errorf("ShortID = %q", rev.ShortID())
	}
	short := &Revision{ID: "abc"}
	if short.ShortID() != "abc" {
		t.Errorf("ShortID of short id = %q", short.ShortID())
	}
}
