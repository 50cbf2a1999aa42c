package watch

import (
	"errors"
	"time"
)

// ErrCapabilityUnavailable indicates the host platform has no usable
// filesystem notification mechanism. Callers detect it at construction
// time and fall back to scheduler-only operation.
var ErrCapabilityUnavailable = errors.New("filesystem notification mechanism unavailable")

// Op describes a filesystem operation type.
type Op uint8

const (
	// OpCreated indicates a file or directory was created.
	OpCreated Op = iota
	// OpModified indicates a file was modified.
	OpModified
	// OpDeleted indicates a file or directory was deleted.
	OpDeleted
	// OpRenamed indicates a file or directory was renamed.
	OpRenamed
)

// String returns a human-readable operation name.
func (op Op) String() string {
	switch op {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpDeleted:
		return "deleted"
	case OpRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Event represents a single filesystem mutation under a watched root.
type Event struct {
	// Path is the absolute path of the file or directory that changed.
	Path string
	// Op is the kind of change that occurred.
	Op Op
	// Time is when the event was observed.
	Time time.Time
}

// SettleSignal is the debounced notification that a burst of changes has
// paused for at least the configured quiet window.
type SettleSignal struct {
	// Time is when the quiet window elapsed.
	Time time.Time
}

// Source produces filesystem change events for a directory subtree.
type Source interface {
	// Events returns the channel of filtered change events. The channel
	// is closed when the source stops.
	Events() <-chan Event
	// Errors returns the channel of non-fatal watcher errors.
	Errors() <-chan error
	// Close stops the source and releases its resources.
	Close() error
}
