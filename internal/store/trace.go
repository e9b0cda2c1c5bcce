package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const traceFile = "trace.jsonl"

// TraceEntry is one line of trace.jsonl: the best likelihood after a round.
type TraceEntry struct {
	Iteration   int       `json:"iteration"`
	Likelihood  float64   `json:"likelihood"`
	Improved    bool      `json:"improved,omitempty"`
	Failed      bool      `json:"failed,omitempty"` // no neighbourhood could be built
	StaleRounds int       `json:"staleRounds"`
	Timestamp   time.Time `json:"timestamp"`
}

// encodeTrace renders entries as JSON lines.
func encodeTrace(entries []TraceEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return nil, fmt.Errorf("encode trace round %d: %w", entries[i].Iteration, err)
		}
	}
	return buf.Bytes(), nil
}

// decodeTrace parses JSON lines until EOF. Blank lines are skipped.
func decodeTrace(r io.Reader) ([]TraceEntry, error) {
	var entries []TraceEntry
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e TraceEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("trace line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan trace: %w", err)
	}
	return entries, nil
}

// appendTraceFile adds entries to the file at path with a single write,
// creating the file and its directory on first use.
func appendTraceFile(path string, entries []TraceEntry) error {
	if len(entries) == 0 {
		return nil
	}
	data, err := encodeTrace(entries)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create trace directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("append trace: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync trace: %w", err)
	}
	return f.Close()
}

// readTraceFile loads every entry of the trace at path. A missing file is a
// *NotFoundError for jobID.
func readTraceFile(path, jobID string) ([]TraceEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()
	return decodeTrace(f)
}
