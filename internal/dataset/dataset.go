package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrMalformed is returned for unparseable matrix or name files.
var ErrMalformed = errors.New("malformed input")

// Observation values in a single-cell matrix.
const (
	Absent  = 0
	Present = 1
	Missing = 2
)

// ReadMatrix parses whitespace-separated integers, one row per line. Blank lines
// are skipped; every row must have the same width.
func ReadMatrix(r io.Reader) ([][]int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var rows [][]int
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		row := make([]int, len(fields))
		for j, f := range fields {
			v, err := strconv.Atoi(f)
			if err != nil {
				// ILP solvers sometimes print integral floats
				fv, ferr := strconv.ParseFloat(f, 64)
				if ferr != nil || fv != float64(int(fv)) {
					return nil, fmt.Errorf("%w: line %d column %d: %q is not an integer", ErrMalformed, line, j+1, f)
				}
				v = int(fv)
			}
			row[j] = v
		}
		if len(rows) > 0 && len(row) != len(rows[0]) {
			return nil, fmt.Errorf("%w: line %d has %d columns, want %d", ErrMalformed, line, len(row), len(rows[0]))
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read matrix: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty matrix", ErrMalformed)
	}
	return rows, nil
}

// ReadMatrixFile reads a matrix from path.
func ReadMatrixFile(path string) ([][]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open matrix: %w", err)
	}
	defer f.Close()

	rows, err := ReadMatrix(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// ReadObservationsFile reads a single-cell matrix and checks that every entry is
// Absent, Present or Missing.
func ReadObservationsFile(path string) ([][]int, error) {
	rows, err := ReadMatrixFile(path)
	if err != nil {
		return nil, err
	}
	if err := CheckObservations(rows); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// CheckObservations validates observation values.
func CheckObservations(rows [][]int) error {
	for i, row := range rows {
		for j, v := range row {
			if v != Absent && v != Present && v != Missing {
				return fmt.Errorf("%w: cell %d mutation %d has value %d", ErrMalformed, i, j, v)
			}
		}
	}
	return nil
}

// ReadNames reads one mutation name per line, skipping blank lines.
func ReadNames(r io.Reader) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read names: %w", err)
	}
	return names, nil
}

// ReadNamesFile reads mutation names from path.
func ReadNamesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open names: %w", err)
	}
	defer f.Close()
	return ReadNames(f)
}

// DefaultNames labels n mutations "1".."n".
func DefaultNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = strconv.Itoa(i + 1)
	}
	return names
}

// WriteMatrix writes rows as space-separated integers.
func WriteMatrix(w io.Writer, rows [][]int) error {
	bw := bufio.NewWriter(w)
	for _, row := range rows {
		for j, v := range row {
			if j > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(strconv.Itoa(v))
		}
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write matrix: %w", err)
	}
	return nil
}
