// Package export rewrites finalized day tables as columnar Parquet files.
//
// The time column becomes a time_epoch double column holding seconds since
// the Unix epoch with sub-second precision; every other channel is parsed
// as a double. The source day table is deleted only after the Parquet file
// has been durably written.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/tdmstools/tdms-daily/pkg/daybucket"
	"github.com/tdmstools/tdms-daily/pkg/fileutil"
	"github.com/tdmstools/tdms-daily/pkg/logging"
	"github.com/tdmstools/tdms-daily/pkg/table"
)

// TimeEpochColumn is the name of the epoch-seconds column in the output.
const TimeEpochColumn = "time_epoch"

var dayFileName = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\.csv$`)

// dayOfFile derives the day key from a finalized day table's file name.
func dayOfFile(path string) (daybucket.DayKey, error) {
	m := dayFileName.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return daybucket.DayKey{}, fmt.Errorf("%s is not a day table", path)
	}
	return daybucket.ParseDayKey(m[1])
}

// Options configures the export stage.
type Options struct {
	// Unit tags the output file names with the measurement unit the data
	// belongs to, e.g. "05" -> "24.1.5-u05.parquet".
	Unit string

	// OutDir receives the Parquet files. Empty means next to the source.
	OutDir string

	// Format is the delimited text convention of the day tables.
	Format table.Format

	// Skip excludes days from a Dir run, e.g. days that are still
	// accumulating rows.
	Skip func(daybucket.DayKey) bool
}

func (o *Options) applyDefaults() {
	if o.Format.Delimiter == 0 {
		o.Format = table.DefaultFormat()
	}
}

// Failure records one failed export.
type Failure struct {
	Path string
	Err  error
}

// Report aggregates the outcome of an export run.
type Report struct {
	Exported []string
	Failures []Failure
}

// Dir exports every finalized day table found in dir. Per-file failures
// are contained and reported; the failing day table stays in place.
func Dir(dir string, opts Options) (*Report, error) {
	opts.applyDefaults()
	log := logging.WithPhase("export")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list day tables: %w", err)
	}
	var days []string
	for _, e := range entries {
		if e.IsDir() || !dayFileName.MatchString(e.Name()) {
			continue
		}
		if opts.Skip != nil {
			day, err := dayOfFile(e.Name())
			if err != nil {
				return nil, err
			}
			if opts.Skip(day) {
				continue
			}
		}
		days = append(days, filepath.Join(dir, e.Name()))
	}
	sort.Strings(days)

	report := &Report{}
	for _, path := range days {
		outPath, err := File(path, opts)
		if err != nil {
			log.Error().Err(err).Str("table", path).Msg("export failed")
			report.Failures = append(report.Failures, Failure{Path: path, Err: err})
			continue
		}
		log.Info().Str("table", path).Str("out", outPath).Msg("day exported")
		report.Exported = append(report.Exported, outPath)
	}
	return report, nil
}

// File exports a single day table and removes it on success.
// Returns the path of the Parquet file.
func File(path string, opts Options) (string, error) {
	opts.applyDefaults()

	day, err := dayOfFile(path)
	if err != nil {
		return "", err
	}

	tbl, err := table.ReadFile(path, opts.Format)
	if err != nil {
		return "", err
	}

	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Dir(path)
	}
	outPath := filepath.Join(outDir, OutputName(day, opts.Unit))

	err = fileutil.WriteTmpThenMove(outPath, func(tmpPath string) error {
		return writeParquet(tmpPath, tbl, opts.Format)
	})
	if err != nil {
		return "", err
	}

	// Artifact confirmed on disk; the day table may go.
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove exported day table: %w", err)
	}
	return outPath, nil
}

// writeParquet writes the table as a flat Parquet file of double columns.
func writeParquet(path string, tbl *table.Table, f table.Format) error {
	fields := parquet.Group{TimeEpochColumn: parquet.Leaf(parquet.DoubleType)}
	for i, col := range tbl.Columns {
		if i == tbl.TimeIndex {
			continue
		}
		fields[col] = parquet.Leaf(parquet.DoubleType)
	}
	schema := parquet.NewSchema("day", fields)

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	w := parquet.NewGenericWriter[map[string]float64](out, schema, parquet.Compression(&parquet.Zstd))
	rows := make([]map[string]float64, 0, len(tbl.Rows))
	for _, r := range tbl.Rows {
		rec := make(map[string]float64, len(tbl.Columns))
		rec[TimeEpochColumn] = EpochSeconds(r)
		for i, col := range tbl.Columns {
			if i == tbl.TimeIndex {
				continue
			}
			v, err := table.ParseFloat(r.Fields[i], f)
			if err != nil {
				out.Close()
				return fmt.Errorf("column %s: %w", col, err)
			}
			rec[col] = v
		}
		rows = append(rows, rec)
	}
	if _, err := w.Write(rows); err != nil {
		out.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		out.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return out.Close()
}

// EpochSeconds converts a row's timestamp to seconds since the Unix epoch,
// keeping sub-second precision.
func EpochSeconds(r table.Row) float64 {
	return float64(r.Time.UnixNano()) / 1e9
}

// OutputName derives the artifact name from a day and unit tag, following
// the site's historical convention: two-digit year, unpadded month and
// day, joined by dots, with a unit suffix.
//
//	2024-01-05, unit "05" -> "24.1.5-u05.parquet"
func OutputName(day daybucket.DayKey, unit string) string {
	return fmt.Sprintf("%s.%s.%s-u%s.parquet",
		strconv.Itoa(day.Year%100),
		strconv.Itoa(int(day.Month)),
		strconv.Itoa(day.Day),
		unit)
}
