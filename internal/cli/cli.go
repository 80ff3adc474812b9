// Package cli implements the command-line interface for tdmsdaily.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tdmstools/tdms-daily/internal/config"
	"github.com/tdmstools/tdms-daily/pkg/archive"
	"github.com/tdmstools/tdms-daily/pkg/convert"
	"github.com/tdmstools/tdms-daily/pkg/daybucket"
	"github.com/tdmstools/tdms-daily/pkg/export"
	"github.com/tdmstools/tdms-daily/pkg/logging"
	"github.com/tdmstools/tdms-daily/pkg/runstate"
	"github.com/tdmstools/tdms-daily/pkg/s3fetch"
	"github.com/tdmstools/tdms-daily/pkg/table"
)

const usage = "usage: tdmsdaily <command> [options]\ncommands: run, fetch, extract, convert, bucket, export"

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "run":
		return command(ctx, "run", args[1:], stageAll)
	case "fetch":
		return command(ctx, "fetch", args[1:], stageFetch)
	case "extract":
		return command(ctx, "extract", args[1:], stageExtract)
	case "convert":
		return command(ctx, "convert", args[1:], stageConvert)
	case "bucket":
		return command(ctx, "bucket", args[1:], stageBucket)
	case "export":
		return command(ctx, "export", args[1:], stageExport)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// command parses the shared flags, loads the configuration, initializes
// logging, and hands off to the stage.
func command(ctx context.Context, name string, args []string, stage func(context.Context, *config.Config) error) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	debug := fs.Bool("debug", false, "enable debug logging")
	pretty := fs.Bool("pretty", false, "human-readable console logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logging.Init(*debug || cfg.Logging.Debug, *pretty || cfg.Logging.Pretty)

	return stage(ctx, cfg)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func csvFormat(cfg *config.Config) table.Format {
	return table.Format{
		Delimiter:   rune(cfg.CSV.Delimiter[0]),
		DecimalMark: rune(cfg.CSV.Decimal[0]),
	}
}

// stageAll runs the whole pipeline: fetch, extract, convert, bucket,
// export. Contained per-item failures do not stop later stages, but they
// surface as a non-zero exit at the end.
func stageAll(ctx context.Context, cfg *config.Config) error {
	var problems []string

	if cfg.S3.Bucket != "" {
		if err := stageFetch(ctx, cfg); err != nil {
			if isFailureSummary(err) {
				problems = append(problems, err.Error())
			} else {
				return err
			}
		}
	}
	for _, stage := range []struct {
		name string
		run  func(context.Context, *config.Config) error
	}{
		{"extract", stageExtract},
		{"convert", stageConvert},
		{"bucket", stageBucket},
		{"export", stageExport},
	} {
		if err := stage.run(ctx, cfg); err != nil {
			if isFailureSummary(err) {
				problems = append(problems, err.Error())
				continue
			}
			return fmt.Errorf("%s: %w", stage.name, err)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("pipeline completed with failures: %s", strings.Join(problems, "; "))
	}
	return nil
}

// failureSummary marks errors that describe contained per-item failures,
// as opposed to errors that stopped a stage outright.
type failureSummary struct{ msg string }

func (e *failureSummary) Error() string { return e.msg }

func isFailureSummary(err error) bool {
	var fs *failureSummary
	return errors.As(err, &fs)
}

func summarize(stage string, n int) error {
	return &failureSummary{msg: fmt.Sprintf("%s: %d items failed", stage, n)}
}

func stageFetch(ctx context.Context, cfg *config.Config) error {
	if cfg.S3.Bucket == "" {
		return errors.New("s3.bucket is required for fetch")
	}
	client, err := s3fetch.NewClient(ctx, s3fetch.Config{Workers: cfg.S3.Workers})
	if err != nil {
		return err
	}
	report, err := client.Sync(ctx, cfg.S3.Bucket, cfg.S3.Prefix, cfg.Folders.Archives)
	if err != nil {
		return err
	}
	if n := len(report.Failures); n > 0 {
		return summarize("fetch", n)
	}
	return nil
}

// stageExtract unpacks the archives that arrived since the last run. The
// run state advances only past archives that extracted cleanly, so a
// failed archive is retried on the next run.
func stageExtract(ctx context.Context, cfg *config.Config) error {
	st, err := runstate.Load(cfg.Folders.StateFile)
	if err != nil {
		return err
	}
	all, err := archive.List(cfg.Folders.Archives)
	if err != nil {
		// No archive folder simply means nothing arrived yet.
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	names := make([]string, len(all))
	for i, p := range all {
		names[i] = filepath.Base(p)
	}
	selected := st.SelectNew(names)
	if len(selected) == 0 {
		return nil
	}
	paths := make([]string, len(selected))
	for i, n := range selected {
		paths[i] = filepath.Join(cfg.Folders.Archives, n)
	}

	report, err := archive.ExtractFiles(ctx, paths, cfg.Folders.Raw, archive.Options{
		Command:        cfg.Extract.Command,
		DeleteArchives: cfg.Extract.DeleteArchives,
	})
	if err != nil {
		return err
	}
	for _, p := range report.Extracted {
		st.MarkProcessed(filepath.Base(p))
	}
	if err := runstate.Save(cfg.Folders.StateFile, st); err != nil {
		return err
	}
	if n := len(report.Failures); n > 0 {
		return summarize("extract", n)
	}
	return nil
}

func stageConvert(ctx context.Context, cfg *config.Config) error {
	offset, err := cfg.ClockOffset()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Folders.Raw); os.IsNotExist(err) {
		return nil
	}
	report, err := convert.Dir(ctx, cfg.Folders.Raw, cfg.Folders.Work, convert.Options{
		Workers:     cfg.Convert.Workers,
		ClockOffset: offset,
		Format:      csvFormat(cfg),
	})
	if err != nil {
		return err
	}
	if n := len(report.Failures); n > 0 {
		return summarize("convert", n)
	}
	return nil
}

func stageBucket(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Folders.Work, 0o755); err != nil {
		return err
	}
	engine, err := daybucket.New(daybucket.Config{
		WorkDir:         cfg.Folders.Work,
		Store:           daybucket.OpenStore(cfg.Folders.Staging, csvFormat(cfg)),
		Format:          csvFormat(cfg),
		ChunkRows:       cfg.Bucket.ChunkRows,
		KeepProvisional: cfg.Bucket.KeepProvisional,
	})
	if err != nil {
		return err
	}
	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	if n := len(result.Failed); n > 0 {
		return summarize("bucket", n)
	}
	return nil
}

// stageExport turns completed day tables into columnar artifacts. Days
// still pending in the continuation store are skipped; their provisional
// tables stay in the work area until the day completes.
func stageExport(ctx context.Context, cfg *config.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Folders.Work); os.IsNotExist(err) {
		return nil
	}
	store := daybucket.OpenStore(cfg.Folders.Staging, csvFormat(cfg))
	pendingDays, err := store.Days()
	if err != nil {
		return err
	}
	pending := make(map[daybucket.DayKey]bool, len(pendingDays))
	for _, d := range pendingDays {
		pending[d] = true
	}
	report, err := export.Dir(cfg.Folders.Work, export.Options{
		Unit:   cfg.Export.Unit,
		OutDir: cfg.Folders.Exports,
		Format: csvFormat(cfg),
		Skip:   func(d daybucket.DayKey) bool { return pending[d] },
	})
	if err != nil {
		return err
	}
	if n := len(report.Failures); n > 0 {
		return summarize("export", n)
	}
	return nil
}
