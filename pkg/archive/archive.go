// Package archive unpacks measurement archives with an external extractor
// and flattens the results into a single directory.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tdmstools/tdms-daily/pkg/logging"
)

// ErrNoExtractor reports that the external extractor binary is not on PATH.
// Extraction cannot start at all without it, so the whole stage fails fast.
var ErrNoExtractor = errors.New("archive extractor not found")

// DefaultCommand is the extractor invoked for every archive.
const DefaultCommand = "7z"

var archiveExts = map[string]bool{
	".7z":  true,
	".zip": true,
	".rar": true,
}

// Options configures an extraction run.
type Options struct {
	// Command is the extractor binary. Default: DefaultCommand.
	Command string

	// DeleteArchives removes each archive after it extracted cleanly.
	DeleteArchives bool
}

// Failure records one archive that could not be extracted.
type Failure struct {
	Path string
	Err  error
}

// Report aggregates the outcome of an extraction run.
type Report struct {
	Extracted []string
	Failures  []Failure
}

// ExtractDir extracts every archive in inDir into destDir.
// See ExtractFiles.
func ExtractDir(ctx context.Context, inDir, destDir string, opts Options) (*Report, error) {
	archives, err := List(inDir)
	if err != nil {
		return nil, err
	}
	return ExtractFiles(ctx, archives, destDir, opts)
}

// ExtractFiles extracts the given archives into destDir and flattens any
// directory structure they carried. A failing archive is logged,
// collected, and left in place; the others still extract.
func ExtractFiles(ctx context.Context, archives []string, destDir string, opts Options) (*Report, error) {
	if opts.Command == "" {
		opts.Command = DefaultCommand
	}
	cmdPath, err := exec.LookPath(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrNoExtractor, opts.Command, err)
	}
	log := logging.WithPhase("extract")

	if len(archives) == 0 {
		log.Info().Msg("no archives to extract")
		return &Report{}, nil
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}

	tracker := logging.NewProgressTracker("extract", int64(len(archives)), log)
	report := &Report{}
	for _, path := range archives {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		if err := extractOne(ctx, cmdPath, path, destDir); err != nil {
			log.Error().Err(err).Str("archive", path).Msg("extraction failed")
			report.Failures = append(report.Failures, Failure{Path: path, Err: err})
			tracker.ItemFailed(filepath.Base(path), time.Since(start), err)
			continue
		}
		report.Extracted = append(report.Extracted, path)
		tracker.ItemDone(filepath.Base(path), time.Since(start))
		if opts.DeleteArchives {
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("remove extracted archive %s: %w", path, err)
			}
		}
	}

	if err := Flatten(destDir); err != nil {
		return nil, err
	}
	return report, nil
}

// List returns the archive files in dir, sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	var archives []string
	for _, e := range entries {
		if e.IsDir() || !archiveExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		archives = append(archives, filepath.Join(dir, e.Name()))
	}
	sort.Strings(archives)
	return archives, nil
}

func extractOne(ctx context.Context, cmdPath, archivePath, destDir string) error {
	cmd := exec.CommandContext(ctx, cmdPath, "x", "-y", "-o"+destDir, archivePath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("extract %s: %w: %s", archivePath, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Flatten moves every file below dir up into dir itself and removes the
// emptied subdirectories. A name collision gets a counter suffix before
// the extension, so no extracted file is ever overwritten.
func Flatten(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("flatten %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		err := filepath.WalkDir(sub, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			dest, err := collisionFreePath(dir, filepath.Base(path))
			if err != nil {
				return err
			}
			return os.Rename(path, dest)
		})
		if err != nil {
			return fmt.Errorf("flatten %s: %w", sub, err)
		}
		if err := os.RemoveAll(sub); err != nil {
			return fmt.Errorf("remove emptied dir %s: %w", sub, err)
		}
	}
	return nil
}

// collisionFreePath returns dir/name, or dir/name_N with the smallest N
// that does not exist yet.
func collisionFreePath(dir, name string) (string, error) {
	dest := filepath.Join(dir, name)
	if _, err := os.Lstat(dest); os.IsNotExist(err) {
		return dest, nil
	} else if err != nil {
		return "", err
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		dest = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
		if _, err := os.Lstat(dest); os.IsNotExist(err) {
			return dest, nil
		} else if err != nil {
			return "", err
		}
	}
}
