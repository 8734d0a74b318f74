// Package csvio reads import tables and writes export tables.
package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ReadRows parses a comma-separated table and returns every row after the
// header. Rows may have any number of fields. A byte-order mark (UTF-8 or
// UTF-16) is honoured and every cell is NFC-normalized. An input without
// a header yields no rows.
func ReadRows(r io.Reader) ([][]string, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))

	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	var rows [][]string
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("read row at line %d: %w", line, err)
		}
		for i, cell := range rec {
			rec[i] = norm.NFC.String(cell)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// ReadFile opens path and calls ReadRows.
func ReadFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	rows, err := ReadRows(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// ExportPath returns <dir>/<YYYY-MM-DD-HH-MM>-export_<resourceType>.csv.
func ExportPath(dir, resourceType string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-export_%s.csv", at.Format("2006-01-02-15-04"), resourceType))
}

// ExportRows writes header followed by rows to path, creating the parent
// directory when needed.
func ExportRows(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if err := WriteRows(f, header, rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// WriteRows writes header and rows as CSV to w.
func WriteRows(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}
