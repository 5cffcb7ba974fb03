package core

// streaming.go turns a raw log stream into CSV records without buffering the
// file. The layers, outermost first:
//
//   - CountingReader: bytes consumed, for progress
//   - utf8Sanitizer: invalid UTF-8 bytes become '?'
//   - bomReader: drops a leading UTF-8 BOM
//
// RecordReader puts encoding/csv on top of that stack.

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

const sanitizeChunk = 32 * 1024

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// bomReader skips the UTF-8 byte order mark written by Windows tools.
type bomReader struct {
	br      *bufio.Reader
	checked bool
}

// NewBOMReader returns a reader that drops a leading UTF-8 BOM, if any.
func NewBOMReader(r io.Reader) io.Reader {
	return &bomReader{br: bufio.NewReader(r)}
}

func (r *bomReader) Read(p []byte) (int, error) {
	if !r.checked {
		r.checked = true
		if head, _ := r.br.Peek(len(utf8BOM)); bytes.Equal(head, utf8BOM) {
			_, _ = r.br.Discard(len(utf8BOM))
		}
	}
	return r.br.Read(p)
}

// utf8Sanitizer replaces each byte that is not part of a valid UTF-8
// sequence with '?'. A multi-byte rune split across reads is carried over to
// the next read. Output is never longer than input.
type utf8Sanitizer struct {
	r     io.Reader
	chunk []byte
	carry []byte
	out   []byte
	err   error
}

// NewUTF8Sanitizer wraps r with streaming UTF-8 repair.
func NewUTF8Sanitizer(r io.Reader) io.Reader {
	return &utf8Sanitizer{
		r:     r,
		chunk: make([]byte, sanitizeChunk+utf8.UTFMax),
		carry: make([]byte, 0, utf8.UTFMax),
	}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if len(s.out) > 0 {
			n := copy(p, s.out)
			s.out = s.out[n:]
			return n, nil
		}
		if s.err != nil {
			return 0, s.err
		}

		c := copy(s.chunk, s.carry)
		n, err := s.r.Read(s.chunk[c : c+sanitizeChunk])
		s.err = err
		s.carry = s.carry[:0]
		s.out = s.sanitize(s.chunk[:c+n], err != nil)
	}
}

// sanitize rewrites data in place and returns the clean prefix. Unless atEOF,
// an incomplete rune at the end is moved to carry.
func (s *utf8Sanitizer) sanitize(data []byte, atEOF bool) []byte {
	w := 0
	for i := 0; i < len(data); {
		b := data[i]
		if b < utf8.RuneSelf {
			data[w] = b
			w++
			i++
			continue
		}
		if !atEOF && !utf8.FullRune(data[i:]) {
			s.carry = append(s.carry, data[i:]...)
			break
		}
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			data[w] = '?'
			w++
			i++
			continue
		}
		w += copy(data[w:], data[i:i+size])
		i += size
	}
	return data[:w]
}

// CountingReader tracks bytes read. BytesRead is safe to call from another
// goroutine while reads are in progress.
type CountingReader struct {
	r     io.Reader
	n     atomic.Int64
	total int64
}

// NewCountingReader wraps r. total is the expected size, or 0 if unknown.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{r: r, total: total}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (c *CountingReader) BytesRead() int64 { return c.n.Load() }

// Total returns the expected size, or 0 if unknown.
func (c *CountingReader) Total() int64 { return c.total }

// WrapForStreaming applies BOM skipping, UTF-8 repair and byte counting.
// The BOM must be removed before sanitizing, or it would survive as text.
func WrapForStreaming(r io.Reader, total int64) *CountingReader {
	return NewCountingReader(NewUTF8Sanitizer(NewBOMReader(r)), total)
}

// RecordReader yields CSV records one at a time.
//
// Rows may have any number of fields and stray quotes are tolerated, which
// is what phone logging apps actually produce. The slice returned by Next is
// reused by the following call.
type RecordReader struct {
	counter *CountingReader
	csv     *csv.Reader
	header  []string
	line    int
}

// NewRecordReader wraps r, whose total size may be 0 if unknown.
func NewRecordReader(r io.Reader, total int64) *RecordReader {
	counter := WrapForStreaming(r, total)
	cr := csv.NewReader(counter)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return &RecordReader{counter: counter, csv: cr}
}

// Header reads the first record. It returns ErrMissingHeader when the stream
// has no records or the first record is blank.
func (r *RecordReader) Header() ([]string, error) {
	if r.header != nil {
		return r.header, nil
	}
	rec, err := r.csv.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrMissingHeader
	}
	if err != nil {
		return nil, fmt.Errorf("invalid csv header: %w", err)
	}
	if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
		return nil, ErrMissingHeader
	}
	r.header = append([]string(nil), rec...)
	r.line, _ = r.csv.FieldPos(0)
	return r.header, nil
}

// Next returns the next data record, or io.EOF at the end of the stream.
// Header must have been called first.
func (r *RecordReader) Next() ([]string, error) {
	rec, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("invalid csv near line %d: %w", r.line+1, err)
	}
	r.line, _ = r.csv.FieldPos(0)
	return rec, nil
}

// Line returns the source line of the last record read.
func (r *RecordReader) Line() int { return r.line }

// BytesRead returns the bytes consumed from the underlying stream.
func (r *RecordReader) BytesRead() int64 { return r.counter.BytesRead() }

// Total returns the expected stream size, or 0 if unknown.
func (r *RecordReader) Total() int64 { return r.counter.Total() }
