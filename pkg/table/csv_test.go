package table

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestChunkReader(t *testing.T) {
	dir := t.TempDir()
	path := writeTestCSV(t, dir, "in.csv",
		"Time;Temp\n"+
			"2024-01-01 08:00:00.000;1,5\n"+
			"2024-01-01 09:00:00.000;2,5\n"+
			"2024-01-01 10:00:00.000;3,5\n")

	r, err := NewChunkReader(path, DefaultFormat(), 2)
	if err != nil {
		t.Fatalf("NewChunkReader: %v", err)
	}
	defer r.Close()

	if got := r.Columns(); len(got) != 2 || got[0] != "Time" || got[1] != "Temp" {
		t.Errorf("Columns = %v", got)
	}
	if r.TimeIndex() != 0 {
		t.Errorf("TimeIndex = %d, want 0", r.TimeIndex())
	}

	chunk1, err := r.Next()
	if err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if len(chunk1) != 2 {
		t.Fatalf("first chunk has %d rows, want 2", len(chunk1))
	}
	want := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	if !chunk1[0].Time.Equal(want) {
		t.Errorf("first row time = %v, want %v", chunk1[0].Time, want)
	}

	chunk2, err := r.Next()
	if err != nil {
		t.Fatalf("second chunk: %v", err)
	}
	if len(chunk2) != 1 {
		t.Fatalf("second chunk has %d rows, want 1", len(chunk2))
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("err after exhaustion = %v, want io.EOF", err)
	}
}

func TestChunkReaderErrors(t *testing.T) {
	dir := t.TempDir()

	// Missing time column
	noTime := writeTestCSV(t, dir, "notime.csv", "A;B\n1;2\n")
	if _, err := NewChunkReader(noTime, DefaultFormat(), 10); err == nil {
		t.Error("expected error for table without time column")
	}

	// Empty file
	empty := writeTestCSV(t, dir, "empty.csv", "")
	if _, err := NewChunkReader(empty, DefaultFormat(), 10); err == nil {
		t.Error("expected error for empty table")
	}

	// Bad timestamp surfaces from Next
	bad := writeTestCSV(t, dir, "bad.csv", "Time;V\ngarbage;1\n")
	r, err := NewChunkReader(bad, DefaultFormat(), 10)
	if err != nil {
		t.Fatalf("NewChunkReader: %v", err)
	}
	defer r.Close()
	if _, err := r.Next(); err == nil {
		t.Error("expected error for unparseable timestamp")
	}

	// Ragged row surfaces from Next
	ragged := writeTestCSV(t, dir, "ragged.csv", "Time;V\n2024-01-01 08:00:00.000;1;extra\n")
	rr, err := NewChunkReader(ragged, DefaultFormat(), 10)
	if err != nil {
		t.Fatalf("NewChunkReader: %v", err)
	}
	defer rr.Close()
	if _, err := rr.Next(); err == nil {
		t.Error("expected error for ragged row")
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := DefaultFormat()

	tbl, err := New([]string{"Time", "Pressure"})
	if err != nil {
		t.Fatal(err)
	}
	tbl.Append(Row{
		Time:   time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		Fields: []string{"", "1,25"},
	})
	tbl.Append(Row{
		Time:   time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC),
		Fields: []string{"", "2,5"},
	})

	path := filepath.Join(dir, "out.csv")
	if err := WriteFile(path, tbl, f); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if lines[0] != "Time;Pressure" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "2024-01-01 08:00:00.000;1,25" {
		t.Errorf("row 1 = %q", lines[1])
	}

	got, err := ReadFile(path, f)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got.Rows) != 2 {
		t.Fatalf("read %d rows, want 2", len(got.Rows))
	}
	if !got.Rows[1].Time.Equal(tbl.Rows[1].Time) {
		t.Errorf("row 2 time = %v, want %v", got.Rows[1].Time, tbl.Rows[1].Time)
	}
	if got.Rows[0].Fields[1] != "1,25" {
		t.Errorf("row 1 field = %q, want %q", got.Rows[0].Fields[1], "1,25")
	}
}
