// Package table implements the row-oriented table model shared by the
// pipeline stages, plus delimited text I/O with configurable field
// delimiter and decimal-mark convention.
//
// A table has an ordered set of named columns of which exactly one is the
// time column. Rows carry their parsed timestamp alongside the formatted
// field values; all non-time fields are treated as opaque strings by the
// aggregation stages and only parsed numerically at export time.
package table

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the canonical timestamp format of the time column.
const TimeLayout = "2006-01-02 15:04:05.000"

// Format describes the delimited text conventions of a tabular file.
type Format struct {
	// Delimiter separates fields. Default ';'.
	Delimiter rune

	// DecimalMark is the character used as the decimal separator in
	// numeric fields. Default ','.
	DecimalMark rune
}

// DefaultFormat returns the conventions the instrument exports use:
// semicolon-delimited fields with comma decimal marks.
func DefaultFormat() Format {
	return Format{Delimiter: ';', DecimalMark: ','}
}

// IsTimeColumn reports whether a column name denotes the time column.
// Matches the channel naming of the instrument exports: a channel named
// "time" (any case) or starting with "date".
func IsTimeColumn(name string) bool {
	lower := strings.ToLower(name)
	return lower == "time" || strings.HasPrefix(lower, "date")
}

// TimeColumnIndex returns the index of the time column among columns,
// or -1 if none matches.
func TimeColumnIndex(columns []string) int {
	for i, c := range columns {
		if IsTimeColumn(c) {
			return i
		}
	}
	return -1
}

// Row is a single table row. Fields holds one formatted value per column;
// Time is the parsed value of the time column. On write, the time field is
// regenerated from Time in TimeLayout.
type Row struct {
	Time   time.Time
	Fields []string
}

// Equal reports whether two rows carry the same timestamp and fields.
func (r Row) Equal(o Row) bool {
	if !r.Time.Equal(o.Time) || len(r.Fields) != len(o.Fields) {
		return false
	}
	for i := range r.Fields {
		if r.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// Table is an ordered sequence of rows under a fixed column set.
type Table struct {
	Columns   []string
	TimeIndex int
	Rows      []Row
}

// New creates an empty table over the given columns.
// Exactly one column must be recognized as the time column.
func New(columns []string) (*Table, error) {
	idx := TimeColumnIndex(columns)
	if idx < 0 {
		return nil, fmt.Errorf("no time column among %v", columns)
	}
	return &Table{
		Columns:   append([]string(nil), columns...),
		TimeIndex: idx,
	}, nil
}

// Append adds a row.
func (t *Table) Append(r Row) {
	t.Rows = append(t.Rows, r)
}

// SortByTime sorts rows by the time column ascending. The sort is stable so
// rows with equal timestamps keep their arrival order.
func (t *Table) SortByTime() {
	sort.SliceStable(t.Rows, func(i, j int) bool {
		return t.Rows[i].Time.Before(t.Rows[j].Time)
	})
}

// MaxTime returns the largest time value in the table and false if empty.
func (t *Table) MaxTime() (time.Time, bool) {
	if len(t.Rows) == 0 {
		return time.Time{}, false
	}
	max := t.Rows[0].Time
	for _, r := range t.Rows[1:] {
		if r.Time.After(max) {
			max = r.Time
		}
	}
	return max, true
}

// ParseTime parses a time-column value. The canonical layout is TimeLayout,
// but fractional second digits may vary between exports, which time.Parse
// tolerates when the layout omits them.
func ParseTime(s string) (time.Time, error) {
	ts, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return ts, nil
}

// FormatFloat renders v using the format's decimal mark.
func FormatFloat(v float64, f Format) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if f.DecimalMark != '.' {
		s = strings.ReplaceAll(s, ".", string(f.DecimalMark))
	}
	return s
}

// ParseFloat parses a numeric field written with the format's decimal mark.
func ParseFloat(s string, f Format) (float64, error) {
	s = strings.TrimSpace(s)
	if f.DecimalMark != '.' {
		s = strings.ReplaceAll(s, string(f.DecimalMark), ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse numeric field %q: %w", s, err)
	}
	return v, nil
}
