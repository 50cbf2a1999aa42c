// Package snapshot turns a settled working tree into an atomic,
// timestamped revision in the local history.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/snapsyncd/snapsyncd/internal/git"
	"github.com/snapsyncd/snapsyncd/internal/watch"
)

// Revision is one immutable, atomically recorded snapshot of the tree.
type Revision struct {
	// ID is the commit hash the local store assigned.
	ID string `json:"id"`
	// Time is when the revision was recorded.
	Time time.Time `json:"time"`
	// Message is the deterministic backup message.
	Message string `json:"message"`
	// Changes are the changed-path records captured in this revision.
	Changes []git.Change `json:"-"`
}

// ShortID returns an abbreviated revision id for log lines.
func (r *Revision) ShortID() string {
	if len(r.ID) > 12 {
		return r.ID[:12]
	}
	return r.ID
}

// Engine records settled working-tree changes as revisions.
type Engine struct {
	root     string
	excludes []string
	matcher  *watch.Matcher
	git      git.Client
	logger   *slog.Logger
}

// NewEngine creates a snapshot engine for the repository at root.
func NewEngine(root string, excludes []string, client git.Client, logger *slog.Logger) *Engine {
	return &Engine{
		root:     root,
		excludes: excludes,
		matcher:  watch.NewMatcher(root, excludes),
		git:      client,
		logger:   logger,
	}
}

// Verify checks that root holds a pre-existing repository. Provisioning
// one is out of scope, so a missing repository is an operator error.
func (e *Engine) Verify(ctx context.Context) error {
	ok, err := e.git.IsRepository(ctx, e.root)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", e.root, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s (run `git init` and configure a remote first)", git.ErrNotRepository, e.root)
	}
	return nil
}

// Snapshot diffs the working tree against the last revision and, if the
// diff is non-empty, records it as a single commit. A clean tree returns
// (nil, nil): no change is a legitimate no-op, not an error.
//
// The recorded change list is the diff captured before staging. A write
// racing the staging step can end up committed here without a matching
// record; nothing is lost or duplicated either way, since later writes
// reappear in the next run's diff.
func (e *Engine) Snapshot(ctx context.Context) (*Revision, error) {
	all, err := e.git.StatusChanges(ctx, e.root)
	if err != nil {
		return nil, fmt.Errorf("failed to diff working tree: %w", err)
	}

	changes := e.filterExcluded(all)
	if len(changes) == 0 {
		return nil, nil
	}

	if err := e.git.StageAll(ctx, e.root, e.excludes); err != nil {
		return nil, fmt.Errorf("failed to stage changes: %w", err)
	}

	now := time.Now()
	message := "Automatic backup " + now.Format(time.RFC3339)

	id, err := e.git.Commit(ctx, e.root, message)
	if err != nil {
		// Exit code 1 means nothing ended up staged (every change was
		// excluded at the pathspec level): a no-op, not a failure.
		var gitErr *git.GitError
		if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to record revision: %w", err)
	}

	rev := &Revision{
		ID:      id,
		Time:    now,
		Message: message,
		Changes: changes,
	}

	e.logger.Debug("revision recorded",
		"revision", rev.ShortID(),
		"changes", len(changes))

	return rev, nil
}

// filterExcluded drops status entries matching the exclusion patterns.
// Status paths are repository-relative; the matcher works on absolute
// paths under the root.
func (e *Engine) filterExcluded(all []git.Change) []git.Change {
	changes := make([]git.Change, 0, len(all))
	for _, ch := range all {
		if e.matcher.Excluded(filepath.Join(e.root, filepath.FromSlash(ch.Path))) {
			continue
		}
		changes = append(changes, ch)
	}
	return changes
}
