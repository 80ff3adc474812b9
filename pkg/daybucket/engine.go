package daybucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tdmstools/tdms-daily/pkg/fileutil"
	"github.com/tdmstools/tdms-daily/pkg/logging"
	"github.com/tdmstools/tdms-daily/pkg/sysmem"
	"github.com/tdmstools/tdms-daily/pkg/table"
)

// baseChunkRows matches the chunk size the hourly exports were tuned for.
const baseChunkRows = 10000

// DefaultChunkRows sizes read chunks from total system memory: the base
// chunk on small machines, scaled up to 16x on large ones.
func DefaultChunkRows() int {
	gb := sysmem.TotalBytes() / (1 << 30)
	scale := int(gb / 4)
	if scale < 1 {
		scale = 1
	}
	if scale > 16 {
		scale = 16
	}
	return baseChunkRows * scale
}

// Config configures one engine run.
type Config struct {
	// WorkDir is the input area: converted tables are consumed from it and
	// finalized day tables are written back into it.
	WorkDir string

	// Store is the continuation store consulted at start and reconciled at
	// finalize time.
	Store *Store

	// Format is the delimited text convention of all tables.
	Format table.Format

	// ChunkRows bounds how many rows are read from a table at once.
	// Default: DefaultChunkRows().
	ChunkRows int

	// KeepProvisional controls whether the output table of an incomplete
	// day stays in the work area alongside its continuation record. When
	// false, only the continuation copy survives until the day completes.
	KeepProvisional bool
}

// DaySummary describes one finalized day bucket.
type DaySummary struct {
	Day      DayKey
	Rows     int
	Complete bool
	// Continued is true when rows from a prior run's continuation record
	// were merged into this day.
	Continued bool
}

// Result reports the outcome of an engine run.
type Result struct {
	Days []DaySummary
	// Consumed holds the input tables that were read fully and deleted.
	Consumed []string
	// Failed holds the input tables that could not be read; they are left
	// in place and contribute no rows.
	Failed []string
}

// Engine aggregates rows into per-day buckets across one run. All mutable
// aggregation state is owned by the run, so successive runs are
// independent.
type Engine struct {
	cfg Config
	log zerolog.Logger

	buckets map[DayKey]*bucket
}

// bucket accumulates the row-groups of one day. Groups arrive internally
// time-sorted but in arbitrary chronological group order.
type bucket struct {
	columns   []string
	timeIndex int
	groups    [][]table.Row
	continued bool
}

func (b *bucket) rowCount() int {
	n := 0
	for _, g := range b.groups {
		n += len(g)
	}
	return n
}

// New creates an engine for one run.
func New(cfg Config) (*Engine, error) {
	if cfg.WorkDir == "" {
		return nil, errors.New("work dir is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("continuation store is required")
	}
	if cfg.ChunkRows <= 0 {
		cfg.ChunkRows = DefaultChunkRows()
	}
	if cfg.Format.Delimiter == 0 {
		cfg.Format = table.DefaultFormat()
	}
	return &Engine{
		cfg:     cfg,
		log:     logging.WithPhase("daybucket"),
		buckets: make(map[DayKey]*bucket),
	}, nil
}

// Run executes one aggregation pass: seed buckets from the continuation
// store, stream every input table in chunks, finalize each day, then
// delete the consumed inputs.
//
// When the input area holds no tables the run is a no-op: previously
// finalized outputs and the continuation store are left untouched.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if err := fileutil.CleanupTmpFiles(e.cfg.WorkDir); err != nil {
		return nil, err
	}
	if fileutil.Exists(e.cfg.Store.Dir()) {
		if err := fileutil.CleanupTmpFiles(e.cfg.Store.Dir()); err != nil {
			return nil, err
		}
	}

	inputs, err := e.listInputs()
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		e.log.Info().Str("dir", e.cfg.WorkDir).Msg("no tables to aggregate")
		return &Result{}, nil
	}

	if err := e.seedFromStore(); err != nil {
		return nil, err
	}

	result := &Result{}
	for _, path := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.ingest(path); err != nil {
			// One bad table must not abort the run; its partial rows were
			// discarded, the file stays for inspection.
			e.log.Error().Err(err).Str("table", path).Msg("skipping unreadable table")
			result.Failed = append(result.Failed, path)
			continue
		}
		result.Consumed = append(result.Consumed, path)
	}

	if err := e.finalize(result); err != nil {
		return nil, err
	}

	// Every day's output (final or provisional) is durably written;
	// the consumed inputs may now go away.
	for _, path := range result.Consumed {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove consumed table %s: %w", path, err)
		}
	}

	e.log.Info().
		Int("days", len(result.Days)).
		Int("consumed", len(result.Consumed)).
		Int("failed", len(result.Failed)).
		Msg("aggregation finished")
	return result, nil
}

// listInputs returns the tabular files in the work area, sorted by name.
func (e *Engine) listInputs() ([]string, error) {
	entries, err := os.ReadDir(e.cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("list input area: %w", err)
	}
	var inputs []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".csv") {
			continue
		}
		// Day outputs of earlier runs live in the same area; a finalized
		// day is never reopened, so they are not inputs.
		if recordName.MatchString(entry.Name()) {
			continue
		}
		inputs = append(inputs, filepath.Join(e.cfg.WorkDir, entry.Name()))
	}
	sort.Strings(inputs)
	return inputs, nil
}

// seedFromStore merges every pending continuation record into the run's
// buckets, so a previously incomplete day's remainder takes part in this
// run like ordinary input. The records themselves are removed or replaced
// at finalize time only.
func (e *Engine) seedFromStore() error {
	days, err := e.cfg.Store.Days()
	if err != nil {
		return err
	}
	for _, day := range days {
		tbl, err := e.cfg.Store.Load(day)
		if err != nil {
			return err
		}
		b := &bucket{
			columns:   tbl.Columns,
			timeIndex: tbl.TimeIndex,
			continued: true,
		}
		if len(tbl.Rows) > 0 {
			b.groups = append(b.groups, tbl.Rows)
		}
		e.buckets[day] = b
		e.log.Info().Str("day", day.String()).Int("rows", len(tbl.Rows)).Msg("resuming incomplete day")
	}
	return nil
}

// ingest streams one table in chunks and merges its rows into the run
// buckets. The merge happens only after the whole table was read cleanly,
// so a mid-file failure contributes nothing.
func (e *Engine) ingest(path string) error {
	r, err := table.NewChunkReader(path, e.cfg.Format, e.cfg.ChunkRows)
	if err != nil {
		return err
	}
	defer r.Close()

	staged := make(map[DayKey][][]table.Row)
	for {
		chunk, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read chunk: %w", err)
		}

		// Sort the chunk by time so each appended group is internally
		// ordered, then split it at day boundaries.
		sort.SliceStable(chunk, func(i, j int) bool { return chunk[i].Time.Before(chunk[j].Time) })
		start := 0
		for i := 1; i <= len(chunk); i++ {
			if i == len(chunk) || DayOf(chunk[i].Time) != DayOf(chunk[start].Time) {
				day := DayOf(chunk[start].Time)
				staged[day] = append(staged[day], chunk[start:i:i])
				start = i
			}
		}
	}

	for day, groups := range staged {
		b, ok := e.buckets[day]
		if !ok {
			b = &bucket{columns: r.Columns(), timeIndex: r.TimeIndex()}
			e.buckets[day] = b
		}
		if len(b.columns) != len(r.Columns()) {
			return fmt.Errorf("table %s has %d columns, day %s accumulated %d",
				path, len(r.Columns()), day, len(b.columns))
		}
		b.groups = append(b.groups, groups...)
	}
	return nil
}

// finalize concatenates, orders, and writes each day bucket, reconciling
// the continuation store per day.
func (e *Engine) finalize(result *Result) error {
	days := make([]DayKey, 0, len(e.buckets))
	for day := range e.buckets {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	for _, day := range days {
		b := e.buckets[day]

		tbl := &table.Table{Columns: b.columns, TimeIndex: b.timeIndex}
		tbl.Rows = make([]table.Row, 0, b.rowCount())
		for _, g := range b.groups {
			tbl.Rows = append(tbl.Rows, g...)
		}
		// Groups are internally sorted but not in chronological group
		// order; a stable full sort guarantees the output ordering.
		tbl.SortByTime()
		tbl.Rows = dedupeRows(tbl.Rows)

		maxTime, ok := tbl.MaxTime()
		if !ok {
			continue
		}
		complete := day.IsFinalSecond(maxTime)

		outPath := filepath.Join(e.cfg.WorkDir, day.String()+".csv")
		if err := table.WriteFile(outPath, tbl, e.cfg.Format); err != nil {
			return fmt.Errorf("write day table %s: %w", day, err)
		}

		if complete {
			if err := e.cfg.Store.Remove(day); err != nil {
				return err
			}
		} else {
			if err := e.cfg.Store.Put(day, tbl); err != nil {
				return err
			}
			if !e.cfg.KeepProvisional {
				if err := os.Remove(outPath); err != nil {
					return fmt.Errorf("remove provisional day table %s: %w", day, err)
				}
			}
		}

		e.log.Info().
			Str("day", day.String()).
			Int("rows", len(tbl.Rows)).
			Bool("complete", complete).
			Bool("continued", b.continued).
			Msg("day finalized")
		result.Days = append(result.Days, DaySummary{
			Day:       day,
			Rows:      len(tbl.Rows),
			Complete:  complete,
			Continued: b.continued,
		})
	}
	return nil
}

// dedupeRows drops duplicate rows from a time-sorted slice. Duplicates can
// only arise when a run is repeated after a crash between writing outputs
// and deleting inputs, so equal rows are always adjacent after the sort
// among rows with the same timestamp.
func dedupeRows(rows []table.Row) []table.Row {
	if len(rows) < 2 {
		return rows
	}
	out := rows[:1]
	for _, r := range rows[1:] {
		dup := false
		// Scan back over rows sharing this timestamp.
		for i := len(out) - 1; i >= 0 && out[i].Time.Equal(r.Time); i-- {
			if out[i].Equal(r) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, r)
		}
	}
	return out
}
