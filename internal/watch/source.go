package watch

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSSource is a filesystem-notification change source backed by fsnotify.
// It watches a directory tree recursively, picks up directories created
// after observation starts, and applies exclusion patterns before emitting.
type FSSource struct {
	root    string
	matcher *Matcher
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	events chan Event
	errs   chan error

	closeOnce sync.Once
	done      chan struct{}
}

// NewFSSource creates a change source for the subtree rooted at root.
// If the platform's notification mechanism cannot be initialized it fails
// fast with ErrCapabilityUnavailable so callers can fall back to
// scheduler-only operation.
func NewFSSource(root string, matcher *Matcher, logger *slog.Logger) (*FSSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}

	s := &FSSource{
		root:    root,
		matcher: matcher,
		watcher: watcher,
		logger:  logger,
		events:  make(chan Event, 64),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}

	if err := s.addTree(root); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", root, err)
	}

	go s.loop()

	return s, nil
}

// Events returns the channel of filtered change events.
func (s *FSSource) Events() <-chan Event {
	return s.events
}

// Errors returns the channel of non-fatal watcher errors.
func (s *FSSource) Errors() <-chan error {
	return s.errs
}

// Close stops the source. The events channel is closed once the internal
// loop drains.
func (s *FSSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.watcher.Close()
		<-s.done
	})
	return err
}

// addTree registers watches for dir and every non-excluded directory
// below it.
func (s *FSSource) addTree(dir string) error {
	dirs, err := DiscoverDirs(dir, s.matcher)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := s.watcher.Add(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *FSSource) loop() {
	defer close(s.done)
	defer close(s.events)
	defer close(s.errs)

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ev)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errs <- err:
			default:
				s.logger.Warn("dropping watcher error", "error", err)
			}
		}
	}
}

func (s *FSSource) handle(ev fsnotify.Event) {
	if s.matcher.Excluded(ev.Name) {
		return
	}

	op, ok := mapOp(ev.Op)
	if !ok {
		return
	}

	// Directories created after observation started must be watched too.
	if op == OpCreated {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			s.adoptTree(ev.Name)
		}
	}

	s.emit(Event{Path: ev.Name, Op: op, Time: time.Now()})
}

// adoptTree watches a directory that appeared after observation started
// and surfaces the files already inside it as created events: fsnotify
// does not replay content that landed before the watch was registered.
// A file may be reported twice when its own event also arrives; the
// debouncer absorbs duplicates.
func (s *FSSource) adoptTree(dir string) {
	if err := s.addTree(dir); err != nil {
		s.logger.Warn("failed to watch new directory", "path", dir, "error", err)
		return
	}

	files, err := DiscoverFiles(dir, s.matcher)
	if err != nil {
		s.logger.Warn("failed to scan new directory", "path", dir, "error", err)
		return
	}
	for _, f := range files {
		s.emit(Event{Path: f, Op: OpCreated, Time: time.Now()})
	}
}

func (s *FSSource) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Consumer stalled with a full buffer. Dropping here is safe:
		// the periodic scheduler snapshots the tree regardless.
		s.logger.Debug("dropping change event under backpressure", "path", ev.Path)
	}
}

// mapOp translates an fsnotify op bitmask into a change kind. Chmod-only
// events carry no content change and are dropped.
func mapOp(op fsnotify.Op) (Op, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreated, true
	case op.Has(fsnotify.Write):
		return OpModified, true
	case op.Has(fsnotify.Remove):
		return OpDeleted, true
	case op.Has(fsnotify.Rename):
		return OpRenamed, true
	default:
		return 0, false
	}
}
