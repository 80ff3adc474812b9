// Package convert implements the parallel TDMS-to-table conversion stage.
//
// Each measurement file is converted independently by a bounded worker
// pool. A failed conversion is logged and reported but never aborts
// sibling conversions, and the offending source file is left in place for
// inspection. A source file (and its index sidecar) is deleted only after
// its table has been durably written.
package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tdmstools/tdms-daily/pkg/logging"
	"github.com/tdmstools/tdms-daily/pkg/table"
	"github.com/tdmstools/tdms-daily/pkg/tdms"
)

// SidecarSuffix is appended to a measurement file path to locate its index
// sidecar, which is removed together with the source.
const SidecarSuffix = "_index"

// Options configures the conversion stage.
type Options struct {
	// Workers bounds the worker pool. Default: NumCPU - 2, minimum 1.
	Workers int

	// ClockOffset is added to every time-channel value. The instrument
	// clocks run ahead of the site's reference time, so runs typically
	// pass a negative offset.
	ClockOffset time.Duration

	// Format is the delimited text convention of the output tables.
	Format table.Format
}

// DefaultWorkers returns the default pool size: available parallelism
// minus a small reserve for the rest of the process.
func DefaultWorkers() int {
	w := runtime.NumCPU() - 2
	if w < 1 {
		w = 1
	}
	return w
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers()
	}
	if o.Format.Delimiter == 0 {
		o.Format = table.DefaultFormat()
	}
}

// Failure records one failed conversion.
type Failure struct {
	Path string
	Err  error
}

// Report aggregates the outcome of a conversion run.
type Report struct {
	// Converted holds the output table paths, sorted.
	Converted []string
	// Failures holds one entry per failed source file.
	Failures []Failure
}

// Dir converts every .tdms file found in inDir, writing one table per file
// into outDir. The returned report covers all inputs; the error is non-nil
// only for environment problems (unreadable directory), never for
// individual file failures.
func Dir(ctx context.Context, inDir, outDir string, opts Options) (*Report, error) {
	entries, err := os.ReadDir(inDir)
	if err != nil {
		return nil, fmt.Errorf("list measurement folder: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".tdms") {
			files = append(files, filepath.Join(inDir, e.Name()))
		}
	}
	sort.Strings(files)

	return Files(ctx, files, outDir, opts)
}

// Files converts the given measurement files into outDir.
func Files(ctx context.Context, files []string, outDir string, opts Options) (*Report, error) {
	opts.applyDefaults()

	log := logging.WithPhase("convert")
	if len(files) == 0 {
		log.Info().Msg("no measurement files to convert")
		return &Report{}, nil
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("create output folder: %w", err)
	}

	log.Info().Int("files", len(files)).Int("workers", opts.Workers).Msg("starting conversion")
	tracker := logging.NewProgressTracker("convert", int64(len(files)), log)

	report := &Report{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, file := range files {
		file := file
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			outPath, err := one(file, outDir, opts)
			mu.Lock()
			if err != nil {
				report.Failures = append(report.Failures, Failure{Path: file, Err: err})
			} else {
				report.Converted = append(report.Converted, outPath)
			}
			mu.Unlock()
			if err != nil {
				tracker.ItemFailed(filepath.Base(file), time.Since(start), err)
			} else {
				tracker.ItemDone(filepath.Base(file), time.Since(start))
			}
			// Per-file failures are contained; only cancellation stops the pool.
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	sort.Strings(report.Converted)
	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].Path < report.Failures[j].Path })

	log.Info().
		Int("converted", len(report.Converted)).
		Int("failed", len(report.Failures)).
		Msg("conversion finished")
	return report, nil
}

// one converts a single measurement file and removes the source on success.
func one(path, outDir string, opts Options) (string, error) {
	f, err := tdms.Open(path)
	if err != nil {
		return "", err
	}
	group, err := f.Group()
	if err != nil {
		return "", err
	}

	tbl, err := toTable(group, opts)
	if err != nil {
		return "", err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	outPath := filepath.Join(outDir, base+".csv")
	if err := table.WriteFile(outPath, tbl, opts.Format); err != nil {
		return "", fmt.Errorf("write table: %w", err)
	}

	// The table is durably on disk; only now may the source go away.
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove source after conversion: %w", err)
	}
	if sidecar := path + SidecarSuffix; fileExists(sidecar) {
		if err := os.Remove(sidecar); err != nil {
			return "", fmt.Errorf("remove index sidecar: %w", err)
		}
	}
	return outPath, nil
}

// toTable maps the measurement group's channels onto table columns. One
// channel must be the time channel; its values are shifted by the clock
// offset and become the row timestamps.
func toTable(group *tdms.Group, opts Options) (*table.Table, error) {
	if len(group.Channels) == 0 {
		return nil, fmt.Errorf("group %q has no channels", group.Name)
	}

	columns := make([]string, len(group.Channels))
	for i, ch := range group.Channels {
		columns[i] = ch.Name
	}
	tbl, err := table.New(columns)
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", group.Name, err)
	}

	timeCh := group.Channels[tbl.TimeIndex]
	if timeCh.Kind() != tdms.KindTime {
		return nil, fmt.Errorf("channel %q is the time column but holds no timestamps", timeCh.Name)
	}

	n := timeCh.Len()
	for _, ch := range group.Channels {
		if ch.Len() != n {
			return nil, fmt.Errorf("channel %q has %d values, time channel has %d", ch.Name, ch.Len(), n)
		}
	}

	for i := 0; i < n; i++ {
		fields := make([]string, len(group.Channels))
		for j, ch := range group.Channels {
			switch ch.Kind() {
			case tdms.KindTime:
				// Regenerated from Row.Time on write.
			case tdms.KindString:
				fields[j] = ch.Strings()[i]
			default:
				fields[j] = table.FormatFloat(ch.Floats()[i], opts.Format)
			}
		}
		tbl.Append(table.Row{
			Time:   timeCh.Times()[i].Add(opts.ClockOffset),
			Fields: fields,
		})
	}
	return tbl, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
