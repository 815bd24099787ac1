// Package sdf implements a streaming decoder for Structure Data Files: text
// streams of tag/value property blocks in which records are terminated by a
// literal "$$$$" line. The decoder never materializes more than one record's
// lines in memory, so multi-gigabyte archives stream in constant space.
package sdf

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/openmoleculedata/molingest/pkg/compression"
	"github.com/openmoleculedata/molingest/pkg/errors"
)

const recordSeparator = "$$$$"

// maxLineSize bounds a single SDF line; property values are short but MOL
// blocks occasionally carry long data lines.
const maxLineSize = 4 * 1024 * 1024

// Scanner yields one property map per SDF record.
type Scanner struct {
	lines   *bufio.Scanner
	closers []io.Closer
	err     error
}

// NewScanner decodes SDF records from r.
func NewScanner(r io.Reader) *Scanner {
	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Scanner{lines: lines}
}

// Open decodes SDF records from a file, transparently decompressing by file
// extension (.gz and friends).
func Open(path string) (*Scanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "open sdf file "+path)
	}

	r, err := compression.NewReader(f, compression.ByExtension(path))
	if err != nil {
		f.Close()
		return nil, err
	}

	s := NewScanner(r)
	s.closers = []io.Closer{r, f}
	return s, nil
}

// Next returns the property map of the next record, or io.EOF when the
// stream is exhausted. A final record with no trailing sentinel line is
// still returned. Invalid UTF-8 is substituted, never fatal.
func (s *Scanner) Next() (map[string]string, error) {
	if s.err != nil {
		return nil, s.err
	}

	var buf []string
	for s.lines.Scan() {
		line := string(bytes.ToValidUTF8(s.lines.Bytes(), []byte("�")))
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == recordSeparator {
			if len(buf) == 0 {
				continue
			}
			return parseEntry(buf), nil
		}
		buf = append(buf, line)
	}

	if err := s.lines.Err(); err != nil {
		s.err = errors.Wrap(err, errors.ErrorTypeData, "read sdf stream")
		return nil, s.err
	}

	s.err = io.EOF
	if len(buf) > 0 {
		return parseEntry(buf), nil
	}
	return nil, io.EOF
}

// Close releases the underlying file handles, if any. Safe to call more
// than once.
func (s *Scanner) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// parseEntry extracts the property section of one record. A property starts
// on a line beginning with '>' carrying a bracketed tag name; its value is
// the joined run of following lines, trimmed, until the next marker.
func parseEntry(lines []string) map[string]string {
	properties := make(map[string]string)
	var tag string
	var value []string

	flush := func() {
		if tag != "" {
			properties[tag] = strings.TrimSpace(strings.Join(value, "\n"))
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(line, ">") {
			flush()
			tag = extractTag(line)
			value = value[:0]
			continue
		}
		if tag != "" {
			value = append(value, strings.TrimRight(line, "\r"))
		}
	}
	flush()

	return properties
}

// extractTag pulls the name out of a "> <TAG>" marker line, returning ""
// when the brackets are malformed.
func extractTag(line string) string {
	start := strings.Index(line, "<")
	if start == -1 {
		return ""
	}
	end := strings.Index(line[start+1:], ">")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(line[start+1 : start+1+end])
}
