// Package export writes and reads the single-column CSV files used to hand
// generated keys and skipped downloads to other tools.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultKeyColumn is the header of key export files.
const DefaultKeyColumn = "patch_keys"

// SkippedColumn is the header of the skipped-downloads file.
const SkippedColumn = "links"

// WriteColumn writes header followed by one row per value.
func WriteColumn(w io.Writer, header string, values []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{header}); err != nil {
		return err
	}
	for _, v := range values {
		if err := cw.Write([]string{v}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteColumnFile writes a single-column CSV file, creating parent
// directories as needed.
func WriteColumnFile(path, header string, values []string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	if err := WriteColumn(f, header, values); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadColumn returns the first column of every row after the header.
// Empty cells are skipped.
func ReadColumn(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	var values []string
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return values, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) > 0 && rec[0] != "" {
			values = append(values, rec[0])
		}
	}
}

// ReadColumnFile is ReadColumn over a file.
func ReadColumnFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	values, err := ReadColumn(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return values, nil
}
