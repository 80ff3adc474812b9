package table

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tdmstools/tdms-daily/pkg/fileutil"
)

// ChunkReader streams a tabular file in bounded-size chunks so that large
// tables never need to be resident in memory at once.
type ChunkReader struct {
	file      *os.File
	csvReader *csv.Reader
	columns   []string
	timeIndex int
	chunkRows int
}

// NewChunkReader opens path and reads its header. chunkRows bounds how many
// rows a single Next call returns.
func NewChunkReader(path string, f Format, chunkRows int) (*ChunkReader, error) {
	if chunkRows <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkRows)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open table %s: %w", path, err)
	}

	csvr := csv.NewReader(bufio.NewReader(file))
	csvr.Comma = f.Delimiter
	csvr.FieldsPerRecord = -1
	csvr.LazyQuotes = true

	header, err := csvr.Read()
	if err != nil {
		file.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("table %s is empty", path)
		}
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	idx := TimeColumnIndex(header)
	if idx < 0 {
		file.Close()
		return nil, fmt.Errorf("table %s has no time column (columns %v)", path, header)
	}

	return &ChunkReader{
		file:      file,
		csvReader: csvr,
		columns:   append([]string(nil), header...),
		timeIndex: idx,
		chunkRows: chunkRows,
	}, nil
}

// Columns returns the column names from the header.
func (r *ChunkReader) Columns() []string {
	return r.columns
}

// TimeIndex returns the index of the time column.
func (r *ChunkReader) TimeIndex() int {
	return r.timeIndex
}

// Next returns the next chunk of up to chunkRows rows.
// Returns io.EOF when the file is exhausted.
func (r *ChunkReader) Next() ([]Row, error) {
	rows := make([]Row, 0, r.chunkRows)
	for len(rows) < r.chunkRows {
		record, err := r.csvReader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(rows) == 0 {
					return nil, io.EOF
				}
				return rows, nil
			}
			return nil, fmt.Errorf("read row: %w", err)
		}
		if len(record) != len(r.columns) {
			return nil, fmt.Errorf("row has %d fields, header has %d", len(record), len(r.columns))
		}
		ts, err := ParseTime(record[r.timeIndex])
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{Time: ts, Fields: append([]string(nil), record...)})
	}
	return rows, nil
}

// Close releases the underlying file.
func (r *ChunkReader) Close() error {
	return r.file.Close()
}

// Write renders the table as delimited text to w.
func Write(w io.Writer, t *Table, f Format) error {
	csvw := csv.NewWriter(w)
	csvw.Comma = f.Delimiter

	if err := csvw.Write(t.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		copy(record, row.Fields)
		record[t.TimeIndex] = row.Time.Format(TimeLayout)
		if err := csvw.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	csvw.Flush()
	return csvw.Error()
}

// WriteFile writes the table durably to path using tmp+rename.
func WriteFile(path string, t *Table, f Format) error {
	return fileutil.WriteTmpThenMove(path, func(tmpPath string) error {
		file, err := os.Create(tmpPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", tmpPath, err)
		}
		bw := bufio.NewWriter(file)
		if err := Write(bw, t, f); err != nil {
			file.Close()
			return err
		}
		if err := bw.Flush(); err != nil {
			file.Close()
			return err
		}
		return file.Close()
	})
}

// ReadFile loads an entire tabular file. Intended for small tables such as
// finalized day files; the aggregation engine streams with ChunkReader
// instead.
func ReadFile(path string, f Format) (*Table, error) {
	r, err := NewChunkReader(path, f, 1<<20)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	t := &Table{Columns: r.Columns(), TimeIndex: r.TimeIndex()}
	for {
		rows, err := r.Next()
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		t.Rows = append(t.Rows, rows...)
	}
}
