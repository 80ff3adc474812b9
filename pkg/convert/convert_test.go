package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tdmstools/tdms-daily/pkg/table"
	"github.com/tdmstools/tdms-daily/pkg/tdms/tdmstest"
)

func writeMeasurement(t *testing.T, dir, name string, times []time.Time, temps []float64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	err := tdmstest.WriteFile(path, "Measurement",
		tdmstest.TimeChannel("Time", times...),
		tdmstest.Float64Channel("Temp", temps...),
	)
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDirConvertsAndRemovesSources(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	t0 := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	src := writeMeasurement(t, inDir, "export_0800.tdms", []time.Time{t0, t0.Add(time.Second)}, []float64{1.5, 2.5})
	sidecar := src + SidecarSuffix
	if err := os.WriteFile(sidecar, []byte("idx"), 0644); err != nil {
		t.Fatal(err)
	}

	report, err := Dir(context.Background(), inDir, outDir, Options{Workers: 2})
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("failures: %v", report.Failures)
	}
	if len(report.Converted) != 1 {
		t.Fatalf("converted %d files, want 1", len(report.Converted))
	}

	outPath := filepath.Join(outDir, "export_0800.csv")
	if report.Converted[0] != outPath {
		t.Errorf("output path = %q, want %q", report.Converted[0], outPath)
	}

	tbl, err := table.ReadFile(outPath, table.DefaultFormat())
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(tbl.Rows) != 2 {
		t.Fatalf("output has %d rows, want 2", len(tbl.Rows))
	}
	if !tbl.Rows[0].Time.Equal(t0) {
		t.Errorf("row 0 time = %v, want %v", tbl.Rows[0].Time, t0)
	}
	if tbl.Rows[1].Fields[1] != "2,5" {
		t.Errorf("row 1 temp = %q, want %q", tbl.Rows[1].Fields[1], "2,5")
	}

	// Source and sidecar must be gone after a confirmed write.
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source file still present after conversion")
	}
	if _, err := os.Stat(sidecar); !os.IsNotExist(err) {
		t.Error("index sidecar still present after conversion")
	}
}

func TestFilesIsolatesCorruptInput(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var files []string
	for i := 1; i <= 10; i++ {
		name := fmt.Sprintf("export_%02d.tdms", i)
		if i == 4 {
			// Corrupted file
			path := filepath.Join(inDir, name)
			if err := os.WriteFile(path, []byte("broken measurement data"), 0644); err != nil {
				t.Fatal(err)
			}
			files = append(files, path)
			continue
		}
		files = append(files, writeMeasurement(t, inDir, name,
			[]time.Time{t0.Add(time.Duration(i) * time.Hour)}, []float64{float64(i)}))
	}

	report, err := Files(context.Background(), files, outDir, Options{Workers: 3})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}

	if len(report.Converted) != 9 {
		t.Errorf("converted %d files, want 9", len(report.Converted))
	}
	if len(report.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(report.Failures))
	}
	if !strings.HasSuffix(report.Failures[0].Path, "export_04.tdms") {
		t.Errorf("failure path = %q, want export_04.tdms", report.Failures[0].Path)
	}

	// The corrupt source stays on disk for inspection.
	if _, err := os.Stat(filepath.Join(inDir, "export_04.tdms")); err != nil {
		t.Error("corrupt source was removed")
	}
	// And it produced no output table.
	if _, err := os.Stat(filepath.Join(outDir, "export_04.csv")); !os.IsNotExist(err) {
		t.Error("corrupt source produced an output table")
	}
}

func TestClockOffsetApplied(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	// 02:30 with a -3h correction lands on the previous day.
	t0 := time.Date(2024, 1, 2, 2, 30, 0, 0, time.UTC)
	writeMeasurement(t, inDir, "a.tdms", []time.Time{t0}, []float64{1})

	_, err := Dir(context.Background(), inDir, outDir, Options{
		Workers:     1,
		ClockOffset: -3 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}

	tbl, err := table.ReadFile(filepath.Join(outDir, "a.csv"), table.DefaultFormat())
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC)
	if !tbl.Rows[0].Time.Equal(want) {
		t.Errorf("shifted time = %v, want %v", tbl.Rows[0].Time, want)
	}
}

func TestFilesRejectsGroupWithoutTimeChannel(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()

	path := filepath.Join(inDir, "no_time.tdms")
	if err := tdmstest.WriteFile(path, "g", tdmstest.Float64Channel("Temp", 1)); err != nil {
		t.Fatal(err)
	}

	report, err := Files(context.Background(), []string{path}, outDir, Options{Workers: 1})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(report.Failures))
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("source without time channel was removed")
	}
}

func TestDirEmptyFolder(t *testing.T) {
	report, err := Dir(context.Background(), t.TempDir(), t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if len(report.Converted) != 0 || len(report.Failures) != 0 {
		t.Errorf("report not empty: %+v", report)
	}
}
