package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTraceFile_AppendBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs", "climb-1", traceFile)
	now := time.Now().UTC().Truncate(time.Millisecond)

	batches := [][]TraceEntry{
		{
			{Iteration: 1, Likelihood: -120.5, Timestamp: now},
			{Iteration: 2, Likelihood: -98.25, Improved: true, Timestamp: now},
		},
		nil,
		{
			{Iteration: 3, Likelihood: -98.25, StaleRounds: 1, Timestamp: now},
			{Iteration: 4, Likelihood: -98.25, Failed: true, StaleRounds: 2, Timestamp: now},
		},
	}
	for _, b := range batches {
		if err := appendTraceFile(path, b); err != nil {
			t.Fatalf("appendTraceFile: %v", err)
		}
	}

	got, err := readTraceFile(path, "climb-1")
	if err != nil {
		t.Fatalf("readTraceFile: %v", err)
	}
	want := append(append([]TraceEntry{}, batches[0]...), batches[2]...)
	if len(got) != len(want) {
		t.Fatalf("got %d rounds, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Iteration != want[i].Iteration || got[i].Likelihood != want[i].Likelihood ||
			got[i].Improved != want[i].Improved || got[i].Failed != want[i].Failed ||
			got[i].StaleRounds != want[i].StaleRounds || !got[i].Timestamp.Equal(want[i].Timestamp) {
			t.Errorf("round %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestTraceFile_EmptyBatchCreatesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs", "idle", traceFile)
	if err := appendTraceFile(path, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("trace file should not exist, stat err = %v", err)
	}
}

func TestTraceFile_Missing(t *testing.T) {
	_, err := readTraceFile(filepath.Join(t.TempDir(), traceFile), "ghost")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.JobID != "ghost" {
		t.Errorf("expected NotFoundError for ghost, got %T: %v", err, err)
	}
}

func TestDecodeTrace(t *testing.T) {
	t.Run("skips blank lines", func(t *testing.T) {
		in := "{\"iteration\":1,\"likelihood\":-4}\n\n  \n{\"iteration\":2,\"likelihood\":-3,\"improved\":true}\n"
		entries, err := decodeTrace(strings.NewReader(in))
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 2 || entries[1].Iteration != 2 || !entries[1].Improved {
			t.Errorf("unexpected entries: %+v", entries)
		}
	})

	t.Run("reports the bad line", func(t *testing.T) {
		_, err := decodeTrace(strings.NewReader("{\"iteration\":1}\nnot json\n"))
		if err == nil || !strings.Contains(err.Error(), "line 2") {
			t.Errorf("expected error naming line 2, got %v", err)
		}
	})
}

func TestEncodeTrace_OneLinePerRound(t *testing.T) {
	data, err := encodeTrace([]TraceEntry{{Iteration: 7}, {Iteration: 8}, {Iteration: 9}})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), data)
	}
	if strings.Contains(lines[0], "improved") || strings.Contains(lines[0], "failed") {
		t.Errorf("zero flags should be omitted: %s", lines[0])
	}
}
