// Package export persists harvested records as CSV files.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Sternrassler/gh-harvest/pkg/logging"
	"github.com/Sternrassler/gh-harvest/pkg/pagination"
)

// ErrMissingColumn is returned when a CSV file lacks a requested column.
var ErrMissingColumn = errors.New("missing column")

// Record is a row with a fixed header.
type Record interface {
	// Key is the record's primary key.
	Key() string
	// Header returns the column names; it must not depend on the receiver's value.
	Header() []string
	// Row returns the values in Header order.
	Row() []string
}

// CSVSink writes the records of one harvest to a CSV file, replacing any
// previous content.
type CSVSink[R Record] struct {
	path string
}

// NewCSVSink returns a sink writing to path.
func NewCSVSink[R Record](path string) *CSVSink[R] {
	return &CSVSink[R]{path: path}
}

// Path returns the destination file.
func (s *CSVSink[R]) Path() string {
	return s.path
}

// Write implements pagination.Sink. The header is written even when records is empty.
func (s *CSVSink[R]) Write(ctx context.Context, records []R) error {
	var zero R
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, r.Row())
	}
	if err := WriteFile(s.path, zero.Header(), rows); err != nil {
		return err
	}

	logger := logging.FromContext(ctx, "export")
	logger.Info().
		Str("path", s.path).
		Int("records", len(records)).
		Msg("CSV written")
	return nil
}

// Tee returns a sink forwarding to every given sink in order, stopping at the
// first failure.
func Tee[R any](sinks ...pagination.Sink[R]) pagination.Sink[R] {
	return pagination.SinkFunc[R](func(ctx context.Context, records []R) error {
		for _, s := range sinks {
			if err := s.Write(ctx, records); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteFile atomically replaces path with a CSV of header and rows.
// Missing parent directories are created.
func WriteFile(path string, header []string, rows [][]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	writer := csv.NewWriter(tempFile)
	if err := writer.Write(header); err != nil {
		tempFile.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := writer.WriteAll(rows); err != nil {
		tempFile.Close()
		return fmt.Errorf("write rows: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tempPath, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}

	success = true
	return nil
}

// ReadFile returns the header and rows of a CSV file.
func ReadFile(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%s: empty file", path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return header, rows, nil
}

// ReadColumn returns the non-empty values of column, in file order.
func ReadColumn(path, column string) ([]string, error) {
	header, rows, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, name := range header {
		if strings.TrimSpace(name) == column {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w %q in %s", ErrMissingColumn, column, path)
	}

	values := make([]string, 0, len(rows))
	for _, row := range rows {
		if v := strings.TrimSpace(row[idx]); v != "" {
			values = append(values, v)
		}
	}
	return values, nil
}
