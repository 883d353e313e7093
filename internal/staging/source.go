package staging

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/franz/dw-loader/internal/util"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// RecordSource is a lazy, finite, non-restartable sequence of raw rows.
// The first row is the header. Next returns io.EOF after the last row.
// A *util.RowParseError from Next rejects one row; any other error ends the read.
type RecordSource interface {
	Name() string
	Next() ([]string, error)
	Close() error
}

// sniffSize is how much of a file is inspected to choose a decoder
const sniffSize = 64 * 1024

// CSVSource reads comma separated rows, decoding UTF-8 (with or without BOM),
// UTF-16 with BOM, and falling back to Latin-1 for anything else
type CSVSource struct {
	name     string
	reader   *csv.Reader
	closer   io.Closer
	Encoding string
}

// OpenCSV opens path as a record source named after its full path, so files
// sharing a base name in different directories stage apart
func OpenCSV(path string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrFileAccess, err)
	}

	src, err := NewCSVSource(filepath.Clean(path), f)
	if err != nil {
		f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

// NewCSVSource wraps r. The caller keeps ownership of r.
func NewCSVSource(name string, r io.Reader) (*CSVSource, error) {
	br := bufio.NewReaderSize(r, sniffSize)
	head, err := br.Peek(sniffSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("%w: failed to read %s: %v", util.ErrFileAccess, name, err)
	}

	fallback, label := encoding.Nop.NewDecoder(), "utf-8"
	if !validUTF8Prefix(head) && !hasBOM(head) {
		fallback, label = charmap.ISO8859_1.NewDecoder(), "latin-1"
	}

	decoded := transform.NewReader(br, unicode.BOMOverride(fallback))

	reader := csv.NewReader(decoded)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = false

	return &CSVSource{name: name, reader: reader, Encoding: label}, nil
}

// Name returns the source file name stamped on staged rows
func (s *CSVSource) Name() string {
	return s.name
}

// Next returns the next raw row
func (s *CSVSource) Next() ([]string, error) {
	row, err := s.reader.Read()
	if err == nil {
		return row, nil
	}
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}

	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return nil, &util.RowParseError{File: s.name, Row: perr.StartLine, Err: perr.Err}
	}
	return nil, fmt.Errorf("%w: failed to read %s: %v", util.ErrFileAccess, s.name, err)
}

// Close releases the underlying file, if any
func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func hasBOM(b []byte) bool {
	return len(b) >= 2 && ((b[0] == 0xFF && b[1] == 0xFE) || (b[0] == 0xFE && b[1] == 0xFF)) ||
		len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF
}

// validUTF8Prefix is utf8.Valid tolerating a rune cut by the sniff window
func validUTF8Prefix(b []byte) bool {
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		if utf8.Valid(b) {
			return true
		}
		b = b[:len(b)-1]
	}
	return utf8.Valid(b)
}

// SliceSource is an in-memory record source
type SliceSource struct {
	name string
	rows [][]string
	pos  int
}

// NewSliceSource returns a source over rows; rows[0] is the header
func NewSliceSource(name string, rows [][]string) *SliceSource {
	return &SliceSource{name: name, rows: rows}
}

func (s *SliceSource) Name() string { return s.name }

func (s *SliceSource) Next() ([]string, error) {
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

func (s *SliceSource) Close() error { return nil }
