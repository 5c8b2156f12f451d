package slices

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// sniffSize is how much of a mapping file is inspected to pick a delimiter.
const sniffSize = 1024

var candidateDelimiters = []rune{',', '\t', ';', '|'}

// SniffDelimiter picks the field delimiter of a delimited text sample. It
// prefers the candidate that appears the same non-zero number of times on
// every non-empty line; whitespace separated data yields ' '.
func SniffDelimiter(sample []byte) rune {
	var lines []string
	for _, line := range strings.Split(string(sample), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	// the last line of a truncated sample may be partial
	if len(sample) >= sniffSize && len(lines) > 1 {
		lines = lines[:len(lines)-1]
	}

	best, bestCount := ' ', 0
	for _, d := range candidateDelimiters {
		count := -1
		for _, line := range lines {
			n := strings.Count(line, string(d))
			if count == -1 {
				count = n
			} else if n != count {
				count = 0
				break
			}
		}
		if count > bestCount {
			best, bestCount = d, count
		}
	}
	return best
}

// ReadRows reads a delimited numeric table, auto-detecting the delimiter from
// the first kilobyte. Blank lines and '#' comments are skipped. Every row must
// have at least minFields fields.
func ReadRows(r io.Reader, minFields int) ([][]string, error) {
	br := bufio.NewReaderSize(r, sniffSize)
	sample, err := br.Peek(sniffSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}
	delim := SniffDelimiter(sample)

	var rows [][]string
	scanner := bufio.NewScanner(br)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields, err := splitLine(line, delim)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if len(fields) < minFields {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", lineNo, minFields, len(fields))
		}
		rows = append(rows, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func splitLine(line string, delim rune) ([]string, error) {
	if delim == ' ' {
		return strings.Fields(line), nil
	}
	cr := csv.NewReader(bytes.NewBufferString(line))
	cr.Comma = delim
	cr.TrimLeadingSpace = true
	fields, err := cr.Read()
	if err != nil {
		return nil, err
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields, nil
}

// ParseAssignment reads "movingIndex<delim>fixedIndex" pairs.
func ParseAssignment(r io.Reader) (Assignment, error) {
	rows, err := ReadRows(r, 2)
	if err != nil {
		return nil, err
	}
	a := make(Assignment, len(rows))
	for i, row := range rows {
		moving, err := strconv.Atoi(row[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: moving index: %w", i+1, err)
		}
		fixed, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, fmt.Errorf("row %d: fixed index: %w", i+1, err)
		}
		a[moving] = fixed
	}
	return a, nil
}

// LoadAssignment reads a mapping file from disk.
func LoadAssignment(path string) (Assignment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	a, err := ParseAssignment(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return a, nil
}

// ErrRangeMismatch is returned when moving and fixed ranges cannot be zipped
// position-wise.
var ErrRangeMismatch = errors.New("moving and fixed ranges differ in length")

// BuildAssignment loads the mapping file when path is set, otherwise zips the
// moving and fixed ranges of m. The result is validated against m.
func BuildAssignment(m Model, path string) (Assignment, error) {
	var (
		a   Assignment
		err error
	)
	if path != "" {
		a, err = LoadAssignment(path)
		if err != nil {
			return nil, err
		}
	} else {
		fs, fe := m.FixedBounds()
		if n := fe - fs + 1; n != m.Len() {
			return nil, fmt.Errorf("%w: moving [%d, %d] has %d slices, fixed [%d, %d] has %d; use a mapping file",
				ErrRangeMismatch, m.Start(), m.End(), m.Len(), fs, fe, n)
		}
		a = IdentityAssignment(m.MovingRange(), m.FixedRange())
	}
	if err := a.Validate(m); err != nil {
		return nil, err
	}
	return a, nil
}
