// Package reader streams rows out of plain or compressed delimited files
// without materialising the decompressed content.
package reader

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"golang.org/x/text/encoding/charmap"

	"github.com/addrsync/internal/model"
	"github.com/addrsync/internal/normalize"
)

const (
	bufferSize = 256 << 10
	sniffSize  = 16 << 10
)

var textExtensions = []string{".csv", ".txt", ".tsv"}

// Row maps folded column names to trimmed values.
type Row map[string]string

// First returns the first non-empty value among the given column aliases.
func (r Row) First(aliases ...string) string {
	for _, a := range aliases {
		if v := r[a]; v != "" {
			return v
		}
	}
	return ""
}

// Reader is a single-pass, non-restartable row source.
type Reader struct {
	Path      string
	Entry     string // archive member being read, empty for plain files
	Delimiter rune
	Encoding  string
	// Recoded counts fields of a UTF-8 input that were not valid UTF-8
	// and were decoded as Windows-1250 instead.
	Recoded int

	closers []io.Closer
	csv     *csv.Reader
	header  []string
	line    int

	counter *countingReader
	total   int64
}

// Open opens path, selects the data-bearing entry when it is an archive,
// sniffs the delimiter and reads the header row.
func Open(p string) (*Reader, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	r := &Reader{Path: p, closers: []io.Closer{f}}

	src, err := r.openSource(f)
	if err != nil {
		r.Close()
		return nil, err
	}
	if err := r.init(src); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) openSource(f *os.File) (io.Reader, error) {
	var magic [4]byte
	n, err := io.ReadFull(f, magic[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", r.Path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", r.Path, err)
	}
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", r.Path, err)
	}

	switch {
	case n >= 4 && bytes.Equal(magic[:4], []byte("PK\x03\x04")), n >= 4 && bytes.Equal(magic[:4], []byte("PK\x05\x06")):
		return r.openZip(f, st.Size())
	case n >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		r.counter = &countingReader{r: f}
		r.total = st.Size()
		gz, err := gzip.NewReader(r.counter)
		if err != nil {
			return nil, fmt.Errorf("gzip %s: %w", r.Path, err)
		}
		r.closers = append(r.closers, gz)
		r.Entry = strings.TrimSuffix(path.Base(r.Path), ".gz")
		return gz, nil
	default:
		r.counter = &countingReader{r: f}
		r.total = st.Size()
		return r.counter, nil
	}
}

func (r *Reader) openZip(f *os.File, size int64) (io.Reader, error) {
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return nil, fmt.Errorf("zip %s: %w", r.Path, err)
	}
	entry := pickEntry(zr.File)
	if entry == nil {
		return nil, fmt.Errorf("%s: %w", r.Path, model.ErrEmptyArchive)
	}
	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s in %s: %w", entry.Name, r.Path, err)
	}
	r.closers = append(r.closers, rc)
	r.Entry = entry.Name
	r.counter = &countingReader{r: rc}
	r.total = int64(entry.UncompressedSize64)
	return r.counter, nil
}

// pickEntry returns the first delimited-text entry, else the first file.
func pickEntry(files []*zip.File) *zip.File {
	var first *zip.File
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		if first == nil {
			first = f
		}
		ext := strings.ToLower(path.Ext(f.Name))
		for _, want := range textExtensions {
			if ext == want {
				return f
			}
		}
	}
	return first
}

func (r *Reader) init(src io.Reader) error {
	br := bufio.NewReaderSize(src, bufferSize)
	prefix, err := br.Peek(sniffSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return fmt.Errorf("read %s: %w", r.Path, err)
	}

	var text io.Reader = br
	r.Encoding = "utf-8"
	if !validUTF8Prefix(prefix) {
		text = charmap.Windows1250.NewDecoder().Reader(br)
		r.Encoding = "windows-1250"
	}

	r.Delimiter = sniffDelimiter(prefix)
	r.csv = csv.NewReader(text)
	r.csv.Comma = r.Delimiter
	r.csv.FieldsPerRecord = -1
	r.csv.LazyQuotes = true
	r.csv.ReuseRecord = true

	header, err := r.csv.Read()
	if err != nil {
		return fmt.Errorf("%s: %w", r.Path, model.ErrNoHeaderRow)
	}
	r.header = make([]string, len(header))
	named := 0
	for i, h := range header {
		r.header[i] = normalize.HeaderName(r.field(h))
		if r.header[i] != "" {
			named++
		}
	}
	if named == 0 {
		return fmt.Errorf("%s: blank header: %w", r.Path, model.ErrNoHeaderRow)
	}
	r.line = 1
	return nil
}

// Header returns the folded column names.
func (r *Reader) Header() []string {
	return r.header
}

// HasColumn reports whether any of the aliases is a header column.
func (r *Reader) HasColumn(aliases ...string) bool {
	for _, h := range r.header {
		for _, a := range aliases {
			if h == a {
				return true
			}
		}
	}
	return false
}

// Next returns the next row, or io.EOF when the input is exhausted.
// Malformed lines are returned as errors carrying the line number; the
// caller may keep reading after them.
func (r *Reader) Next() (Row, error) {
	for {
		rec, err := r.csv.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		r.line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return nil, fmt.Errorf("line %d: %w", r.line, err)
			}
			return nil, err
		}
		if blank(rec) {
			continue
		}
		row := make(Row, len(r.header))
		for i, v := range rec {
			if i >= len(r.header) || r.header[i] == "" {
				continue
			}
			row[r.header[i]] = strings.TrimSpace(r.field(v))
		}
		return row, nil
	}
}

// Line returns the physical record number of the last row returned,
// counting the header as 1.
func (r *Reader) Line() int {
	return r.line
}

// Progress returns the fraction of the input consumed, or -1 when unknown.
// Row totals are not available without a second pass, so this is based on
// bytes.
func (r *Reader) Progress() float64 {
	if r.counter == nil || r.total <= 0 {
		return -1
	}
	p := float64(r.counter.n.Load()) / float64(r.total)
	if p > 1 {
		p = 1
	}
	return p
}

// Close releases every underlying stream.
func (r *Reader) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// sniffDelimiter counts candidate delimiters on the first line of the
// prefix. Comma wins ties and is the fallback.
func sniffDelimiter(prefix []byte) rune {
	line := prefix
	if i := bytes.IndexByte(prefix, '\n'); i >= 0 {
		line = prefix[:i]
	}
	best, bestN := ',', bytes.Count(line, []byte{','})
	for _, d := range []rune{';', '\t'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

// field repairs a value the prefix check missed: an input sniffed as UTF-8
// can still carry Windows-1250 bytes further down.
func (r *Reader) field(v string) string {
	if r.Encoding != "utf-8" || utf8.ValidString(v) {
		return v
	}
	out, err := charmap.Windows1250.NewDecoder().String(v)
	if err != nil {
		return v
	}
	r.Recoded++
	return out
}

func validUTF8Prefix(b []byte) bool {
	// A peeked prefix may end in the middle of a multi-byte sequence.
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		if utf8.Valid(b) {
			return true
		}
		b = b[:len(b)-1]
	}
	return utf8.Valid(b)
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
