package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrSchemaChanged is returned when a later table has different columns
// than the header already written.
var ErrSchemaChanged = errors.New("table columns differ from written header")

// CSVWriter writes tables to a UTF-8 CSV file with a byte order mark.
type CSVWriter struct {
	file    *os.File
	encoder *transform.Writer
	writer  *csv.Writer
	header  []string
	mu      sync.Mutex
}

// NewCSVWriter creates the output file. The header row is written with the
// first table, once the candidate columns are known.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	encoder := transform.NewWriter(f, unicode.UTF8BOM.NewEncoder())
	return &CSVWriter{
		file:    f,
		encoder: encoder,
		writer:  csv.NewWriter(encoder),
	}, nil
}

// Write appends the table rows, preceded by the header on first use.
func (cw *CSVWriter) Write(table *Table) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	header := table.Header()
	if cw.header == nil {
		if err := cw.writer.Write(header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		cw.header = header
	} else if !slices.Equal(cw.header, header) {
		return ErrSchemaChanged
	}

	for i := 0; i < table.Len(); i++ {
		if err := cw.writer.Write(table.Row(i)); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	if err := cw.encoder.Close(); err != nil {
		return fmt.Errorf("flush csv encoder: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures a header has been written.
func (cw *CSVWriter) Validate() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.header == nil {
		return fmt.Errorf("csv file has no header")
	}
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	written bool
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends one JSON object per record.
func (jw *JSONWriter) Write(table *Table) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, record := range table.Records {
		if err := jw.encoder.Encode(&record.UnitRecord); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	jw.written = true
	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures a table has been written. An empty table yields an
// empty file.
func (jw *JSONWriter) Validate() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if !jw.written {
		return fmt.Errorf("json output was never written")
	}
	if _, err := jw.file.Stat(); err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

// DeferredWriter opens the underlying writer on the first Write, so a run
// that fails before producing a table leaves no output file behind.
type DeferredWriter struct {
	open  func() (OutputWriter, error)
	inner OutputWriter
	mu    sync.Mutex
}

// NewDeferredWriter returns a writer that calls open on first use.
func NewDeferredWriter(open func() (OutputWriter, error)) *DeferredWriter {
	return &DeferredWriter{open: open}
}

// Write opens the underlying writer if needed and forwards the table.
func (dw *DeferredWriter) Write(table *Table) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.inner == nil {
		inner, err := dw.open()
		if err != nil {
			return fmt.Errorf("open output: %w", err)
		}
		dw.inner = inner
	}
	return dw.inner.Write(table)
}

// Close closes the underlying writer. It is a no-op if nothing was written.
func (dw *DeferredWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.inner == nil {
		return nil
	}
	return dw.inner.Close()
}

// Validate fails when nothing was written.
func (dw *DeferredWriter) Validate() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if dw.inner == nil {
		return fmt.Errorf("output was never opened")
	}
	return dw.inner.Validate()
}
