// Package file stores tracker state as CSV tables on local disk.
// Each tracker owns one file that is replaced atomically on every save.
package file

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"market-structure-lab/internal/storage"
)

// Dir is a state directory shared by the file stores.
type Dir struct {
	path string
}

// Open creates the state directory if needed.
func Open(path string) (*Dir, error) {
	if path == "" {
		return nil, fmt.Errorf("state dir: %w", storage.ErrInvalidInput)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) file(parts ...string) string {
	return filepath.Join(d.path, sanitize(strings.Join(parts, "_"))+".csv")
}

// readRows returns all CSV rows of path. A missing file yields ErrNotFound.
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", storage.ErrStateCorrupt, filepath.Base(path), err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// writeRows replaces path with rows via a temp file and rename.
func writeRows(path string, rows [][]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	w := csv.NewWriter(tmp)
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write csv: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	tmpName = ""
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func formatOptional(v *int64) string {
	if v == nil {
		return ""
	}
	return formatInt(*v)
}

// fieldParser collects the first parse error of a row.
type fieldParser struct {
	line int
	err  error
}

func (p *fieldParser) float(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%w: line %d: bad number %q", storage.ErrStateCorrupt, p.line, s)
	}
	return v
}

func (p *fieldParser) int(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%w: line %d: bad integer %q", storage.ErrStateCorrupt, p.line, s)
	}
	return v
}

func (p *fieldParser) optional(s string) *int64 {
	if s == "" {
		return nil
	}
	v := p.int(s)
	return &v
}

func (p *fieldParser) time(s string) time.Time {
	ms := p.int(s)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return formatInt(t.UnixMilli())
}

func expectFields(row []string, n, line int) error {
	if len(row) != n {
		return fmt.Errorf("%w: line %d: %s row has %d fields, want %d", storage.ErrStateCorrupt, line, row[0], len(row), n)
	}
	return nil
}
