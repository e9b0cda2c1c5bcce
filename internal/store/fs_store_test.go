package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/gppshc/internal/phylo"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store, tempDir
}

// testTree returns germline -> A -> B.
func testTree(t *testing.T) *phylo.Tree {
	t.Helper()
	tr := phylo.NewTree(2)
	if _, err := tr.AddChild(phylo.RootID, 1, "A", 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.AddChild(1, 2, "B", 1, false); err != nil {
		t.Fatal(err)
	}
	return tr
}

// createTestCheckpoint creates a checkpoint with test data.
func createTestCheckpoint(t *testing.T, jobID string) *Checkpoint {
	t.Helper()
	return NewCheckpoint(jobID, testTree(t), -12.5, -40.25, 500, JobConfig{
		ObservedPath:     "data/cells.txt",
		TreePath:         "data/ilp.txt",
		K:                1,
		Alpha:            0.2,
		Beta:             0.001,
		NeighborhoodSize: 30,
		MaxIterations:    1000,
		Seed:             42,
	})
}

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("fs", func(t *testing.T) {
		s, _ := setupTestStore(t)
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gppshc.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func TestNewFSStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "store")

	store, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store.BaseDir() != dir {
		t.Errorf("BaseDir = %s, want %s", store.BaseDir(), dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("Base directory was not created: %v", err)
	}
}

func TestSaveCheckpoint_WritesAtomically(t *testing.T) {
	store, tempDir := setupTestStore(t)

	jobID := "test-job-123"
	if err := store.SaveCheckpoint(jobID, createTestCheckpoint(t, jobID)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	expectedPath := filepath.Join(tempDir, "jobs", jobID, "checkpoint.json")
	if _, err := os.Stat(expectedPath); err != nil {
		t.Fatalf("Checkpoint file was not created at %s", expectedPath)
	}
	if _, err := os.Stat(expectedPath + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("Temp file should not exist after save")
	}
}

func TestStore_SaveRejectsBadInput(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if err := s.SaveCheckpoint("", createTestCheckpoint(t, "any-id")); err == nil {
			t.Error("Expected error for empty jobID")
		}
		if err := s.SaveCheckpoint("test-job", nil); err == nil {
			t.Error("Expected error for nil checkpoint")
		}
		if _, err := s.LoadCheckpoint(""); err == nil {
			t.Error("Expected error for empty jobID on load")
		}
		if err := s.DeleteCheckpoint(""); err == nil {
			t.Error("Expected error for empty jobID on delete")
		}
	})
}

func TestStore_SaveAndLoad(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		jobID := "test-job-load"
		original := createTestCheckpoint(t, jobID)
		if err := s.SaveCheckpoint(jobID, original); err != nil {
			t.Fatalf("SaveCheckpoint failed: %v", err)
		}

		loaded, err := s.LoadCheckpoint(jobID)
		if err != nil {
			t.Fatalf("LoadCheckpoint failed: %v", err)
		}
		if loaded.JobID != original.JobID {
			t.Errorf("JobID mismatch: expected %s, got %s", original.JobID, loaded.JobID)
		}
		if loaded.BestLikelihood != original.BestLikelihood {
			t.Errorf("BestLikelihood mismatch: expected %f, got %f", original.BestLikelihood, loaded.BestLikelihood)
		}
		if loaded.Iteration != original.Iteration {
			t.Errorf("Iteration mismatch: expected %d, got %d", original.Iteration, loaded.Iteration)
		}
		if loaded.Config != original.Config {
			t.Errorf("Config mismatch: expected %+v, got %+v", original.Config, loaded.Config)
		}
		if err := loaded.Validate(); err != nil {
			t.Fatalf("Loaded checkpoint invalid: %v", err)
		}

		tr, err := loaded.Tree()
		if err != nil {
			t.Fatalf("Tree() failed: %v", err)
		}
		if got, want := tr.DOT(), testTree(t).DOT(); got != want {
			t.Errorf("restored tree differs:\n%s\nwant:\n%s", got, want)
		}
	})
}

func TestStore_Overwrite(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		jobID := "test-job-overwrite"
		first := createTestCheckpoint(t, jobID)
		second := createTestCheckpoint(t, jobID)
		second.BestLikelihood = -3.5

		if err := s.SaveCheckpoint(jobID, first); err != nil {
			t.Fatalf("First save failed: %v", err)
		}
		if err := s.SaveCheckpoint(jobID, second); err != nil {
			t.Fatalf("Second save failed: %v", err)
		}

		loaded, err := s.LoadCheckpoint(jobID)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.BestLikelihood != -3.5 {
			t.Errorf("Expected BestLikelihood=-3.5, got %f", loaded.BestLikelihood)
		}
	})
}

func TestStore_NotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.LoadCheckpoint("nonexistent-job")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Load: expected NotFoundError, got %T: %v", err, err)
		}
		if err := s.DeleteCheckpoint("nonexistent-job"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete: expected NotFoundError, got %T: %v", err, err)
		}
		if _, err := s.LoadTrace("nonexistent-job"); !errors.Is(err, ErrNotFound) {
			t.Errorf("LoadTrace: expected NotFoundError, got %T: %v", err, err)
		}
		if _, err := s.LoadArtifact("nonexistent-job", "best.gv"); !errors.Is(err, ErrNotFound) {
			t.Errorf("LoadArtifact: expected NotFoundError, got %T: %v", err, err)
		}
	})
}

func TestStore_ListCheckpoints(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		infos, err := s.ListCheckpoints()
		if err != nil {
			t.Fatalf("ListCheckpoints failed: %v", err)
		}
		if len(infos) != 0 {
			t.Errorf("Expected empty list, got %d checkpoints", len(infos))
		}

		jobs := []string{"job-3", "job-1", "job-2"}
		for _, jobID := range jobs {
			if err := s.SaveCheckpoint(jobID, createTestCheckpoint(t, jobID)); err != nil {
				t.Fatalf("Failed to save checkpoint %s: %v", jobID, err)
			}
		}

		infos, err = s.ListCheckpoints()
		if err != nil {
			t.Fatalf("ListCheckpoints failed: %v", err)
		}
		if len(infos) != len(jobs) {
			t.Fatalf("Expected %d checkpoints, got %d", len(jobs), len(infos))
		}
		for i, want := range []string{"job-1", "job-2", "job-3"} {
			if infos[i].JobID != want {
				t.Errorf("infos[%d].JobID = %s, want %s", i, infos[i].JobID, want)
			}
			if infos[i].Nodes != 3 {
				t.Errorf("infos[%d].Nodes = %d, want 3", i, infos[i].Nodes)
			}
		}
	})
}

func TestListCheckpoints_SkipsInvalidDirectories(t *testing.T) {
	store, tempDir := setupTestStore(t)

	validJobID := "valid-job"
	if err := store.SaveCheckpoint(validJobID, createTestCheckpoint(t, validJobID)); err != nil {
		t.Fatalf("Failed to save valid checkpoint: %v", err)
	}

	// directory without checkpoint.json
	if err := os.MkdirAll(filepath.Join(tempDir, "jobs", "invalid-job"), 0755); err != nil {
		t.Fatal(err)
	}
	// corrupted checkpoint
	corrupt := filepath.Join(tempDir, "jobs", "corrupt-job")
	if err := os.MkdirAll(corrupt, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(corrupt, "checkpoint.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	// stray file
	if err := os.WriteFile(filepath.Join(tempDir, "jobs", "dummy.txt"), []byte("test"), 0644); err != nil {
		t.Fatal(err)
	}

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 1 || infos[0].JobID != validJobID {
		t.Errorf("Expected only %s, got %+v", validJobID, infos)
	}
}

func TestStore_DeleteRemovesEverything(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		jobID := "test-job-delete"
		if err := s.SaveCheckpoint(jobID, createTestCheckpoint(t, jobID)); err != nil {
			t.Fatalf("SaveCheckpoint failed: %v", err)
		}
		if err := s.AppendTrace(jobID, []TraceEntry{{Iteration: 1, Likelihood: -3}}); err != nil {
			t.Fatalf("AppendTrace failed: %v", err)
		}
		if err := s.SaveArtifact(jobID, "best.gv", []byte("digraph {}")); err != nil {
			t.Fatalf("SaveArtifact failed: %v", err)
		}

		if err := s.DeleteCheckpoint(jobID); err != nil {
			t.Fatalf("DeleteCheckpoint failed: %v", err)
		}
		if _, err := s.LoadCheckpoint(jobID); !errors.Is(err, ErrNotFound) {
			t.Errorf("checkpoint still present: %v", err)
		}
		if _, err := s.LoadTrace(jobID); !errors.Is(err, ErrNotFound) {
			t.Errorf("trace still present: %v", err)
		}
		if _, err := s.LoadArtifact(jobID, "best.gv"); !errors.Is(err, ErrNotFound) {
			t.Errorf("artifact still present: %v", err)
		}
	})
}

func TestStore_TraceAppendsInOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		jobID := "trace-job"
		now := time.Now().UTC().Truncate(time.Millisecond)
		first := []TraceEntry{
			{Iteration: 1, Likelihood: -10, Timestamp: now},
			{Iteration: 2, Likelihood: -8, Improved: true, Timestamp: now},
		}
		second := []TraceEntry{{Iteration: 3, Likelihood: -8, StaleRounds: 1, Timestamp: now}}

		if err := s.AppendTrace(jobID, first); err != nil {
			t.Fatalf("AppendTrace failed: %v", err)
		}
		if err := s.AppendTrace(jobID, second); err != nil {
			t.Fatalf("AppendTrace failed: %v", err)
		}

		entries, err := s.LoadTrace(jobID)
		if err != nil {
			t.Fatalf("LoadTrace failed: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("Expected 3 entries, got %d", len(entries))
		}
		for i, e := range entries {
			if e.Iteration != i+1 {
				t.Errorf("entries[%d].Iteration = %d", i, e.Iteration)
			}
		}
		if !entries[1].Improved || entries[2].StaleRounds != 1 {
			t.Errorf("flags lost: %+v", entries)
		}
		if !entries[0].Timestamp.Equal(now) {
			t.Errorf("timestamp mismatch: %v vs %v", entries[0].Timestamp, now)
		}
	})
}

func TestStore_Artifacts(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		if err := s.SaveArtifact("job", "best.gv", []byte("v1")); err != nil {
			t.Fatalf("SaveArtifact failed: %v", err)
		}
		if err := s.SaveArtifact("job", "best.gv", []byte("v2")); err != nil {
			t.Fatalf("SaveArtifact overwrite failed: %v", err)
		}
		data, err := s.LoadArtifact("job", "best.gv")
		if err != nil {
			t.Fatalf("LoadArtifact failed: %v", err)
		}
		if string(data) != "v2" {
			t.Errorf("artifact = %q, want v2", data)
		}
		if err := s.SaveArtifact("", "best.gv", nil); err == nil {
			t.Error("Expected error for empty jobID")
		}
	})
}

func TestFSStore_RejectsUnsafeArtifactNames(t *testing.T) {
	store, _ := setupTestStore(t)
	for _, name := range []string{"", "../escape", "sub/file", ".hidden", "checkpoint.json", "trace.jsonl"} {
		if err := store.SaveArtifact("job", name, []byte("x")); err == nil {
			t.Errorf("SaveArtifact(%q) succeeded, want error", name)
		}
	}
}

func TestStore_ConcurrentSave(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		const numJobs = 10
		done := make(chan error, numJobs)

		checkpoints := make([]*Checkpoint, numJobs)
		for i := range checkpoints {
			checkpoints[i] = createTestCheckpoint(t, fmt.Sprintf("concurrent-job-%d", i))
		}
		for _, cp := range checkpoints {
			go func(cp *Checkpoint) {
				done <- s.SaveCheckpoint(cp.JobID, cp)
			}(cp)
		}
		for i := 0; i < numJobs; i++ {
			if err := <-done; err != nil {
				t.Errorf("Concurrent save failed: %v", err)
			}
		}

		infos, err := s.ListCheckpoints()
		if err != nil {
			t.Fatalf("ListCheckpoints failed: %v", err)
		}
		if len(infos) != numJobs {
			t.Errorf("Expected %d checkpoints, got %d", numJobs, len(infos))
		}
	})
}
