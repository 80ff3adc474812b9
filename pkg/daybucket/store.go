package daybucket

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/tdmstools/tdms-daily/pkg/table"
)

var recordName = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\.csv$`)

// Store is the continuation store: a staging directory holding the row set
// of every day that was incomplete at the end of a run. At most one record
// exists per DayKey; records are written durably (tmp+rename) and replaced
// whole.
type Store struct {
	dir    string
	format table.Format
}

// OpenStore returns a store over the staging directory. The directory is
// created lazily on the first Put, so a missing directory simply means no
// pending continuations.
func OpenStore(dir string, format table.Format) *Store {
	return &Store{dir: dir, format: format}
}

// Dir returns the staging directory path.
func (s *Store) Dir() string { return s.dir }

// Days lists the day keys with a pending continuation record, ascending.
// A file in the staging area that is not a well-formed record is an error:
// it signals a damaged staging area that needs operator attention rather
// than data to silently skip.
func (s *Store) Days() ([]DayKey, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list continuation store: %w", err)
	}

	var days []DayKey
	for _, e := range entries {
		if e.IsDir() {
			return nil, fmt.Errorf("unexpected directory %q in continuation store %s", e.Name(), s.dir)
		}
		m := recordName.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("unexpected file %q in continuation store %s", e.Name(), s.dir)
		}
		day, err := ParseDayKey(m[1])
		if err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// Load reads the continuation record for a day. A record that exists but
// cannot be read is a hard error: proceeding would permanently lose the
// prior partial day.
func (s *Store) Load(day DayKey) (*table.Table, error) {
	tbl, err := table.ReadFile(s.path(day), s.format)
	if err != nil {
		return nil, fmt.Errorf("continuation record for %s is unreadable: %w", day, err)
	}
	return tbl, nil
}

// Put writes (or replaces) the continuation record for a day.
func (s *Store) Put(day DayKey, tbl *table.Table) error {
	if err := table.WriteFile(s.path(day), tbl, s.format); err != nil {
		return fmt.Errorf("write continuation record for %s: %w", day, err)
	}
	return nil
}

// Remove deletes the continuation record for a day. Removing a day that
// has no record is a no-op.
func (s *Store) Remove(day DayKey) error {
	if err := os.Remove(s.path(day)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove continuation record for %s: %w", day, err)
	}
	return nil
}

func (s *Store) path(day DayKey) string {
	return filepath.Join(s.dir, day.String()+".csv")
}
