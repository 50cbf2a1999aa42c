package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunState is the per-target state persisted across process restarts:
// the sync cursor, the advisory reachability flag and run bookkeeping.
type RunState struct {
	// SyncedRevision is the newest revision known to have reached the
	// remote. It only ever advances on a successful sync.
	SyncedRevision string `json:"synced_revision"`

	// RemoteReachable records whether the last attempt reached the
	// remote. Advisory only: it shapes diagnostics, never skips a sync.
	RemoteReachable bool `json:"remote_reachable"`

	LastRun      time.Time `json:"last_run"`
	LastTrigger  string    `json:"last_trigger"`
	LastOutcome  string    `json:"last_outcome"`
	LastRevision string    `json:"last_revision"`
	LastError    string    `json:"last_error"`
	LastSuccess  time.Time `json:"last_success"`
}

// LoadState reads the persisted state. A missing file yields a fresh
// zero state; a corrupt file is an error the caller may downgrade.
func LoadState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RunState{}, nil
		}
		return nil, err
	}

	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveState persists the state atomically via a temp file and rename, so
// a crash mid-write never leaves a partial state file behind.
func SaveState(path string, st *RunState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapsyncd-state-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
