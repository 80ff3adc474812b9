// Package runstate persists the pipeline's position between runs, so a
// rerun picks up after the last archive it fully processed.
package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/tdmstools/tdms-daily/pkg/fileutil"
)

// State is the cross-run record. Archive names sort chronologically, so a
// plain string comparison against LastArchive selects the unprocessed tail.
type State struct {
	LastArchive string    `json:"last_archive"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Load reads the state file. A missing file is a fresh start, not an
// error; a present but unreadable file is an error, because guessing a
// position could reprocess or skip archives.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("read run state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("run state %s is corrupt: %w", path, err)
	}
	return &st, nil
}

// Save writes the state durably.
func Save(path string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run state: %w", err)
	}
	err = fileutil.WriteTmpThenMove(path, func(tmpPath string) error {
		return os.WriteFile(tmpPath, append(data, '\n'), 0o644)
	})
	if err != nil {
		return fmt.Errorf("write run state: %w", err)
	}
	return nil
}

// SelectNew returns the names that come after the last processed archive,
// ascending. On a fresh state every name is selected.
func (s *State) SelectNew(names []string) []string {
	selected := make([]string, 0, len(names))
	for _, n := range names {
		if s.LastArchive == "" || n > s.LastArchive {
			selected = append(selected, n)
		}
	}
	sort.Strings(selected)
	return selected
}

// MarkProcessed advances the state past name. Marking an older name is a
// no-op, so out-of-order completion cannot move the position backwards.
func (s *State) MarkProcessed(name string) {
	if name > s.LastArchive {
		s.LastArchive = name
		s.UpdatedAt = time.Now().UTC()
	}
}
