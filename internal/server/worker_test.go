package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cwbudde/gppshc/internal/pipeline"
	"github.com/cwbudde/gppshc/internal/store"
)

// cells sampled along the chain 1 -> 2 -> 3 -> 4
const testCells = `1 0 0 0
1 1 0 0
1 1 1 0
1 1 1 1
1 1 1 1
1 1 1 0
1 1 2 0
0 0 0 0
`

// every mutation directly under the germline
const testILP = `1 0 0 0
0 1 0 0
0 0 1 0
0 0 0 1
`

// createTestInputs writes a small observation matrix and ILP tree and returns
// a job configuration for them.
func createTestInputs(t *testing.T) JobConfig {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
		return p
	}

	return JobConfig{
		ObservedPath:     write("cells.txt", testCells),
		TreePath:         write("tree.ilp.txt", testILP),
		K:                0,
		Alpha:            0.05,
		Beta:             0.01,
		NeighborhoodSize: 8,
		MaxIterations:    20,
		Seed:             42,
		Workers:          1,
	}
}

func TestRunJob_Success(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(createTestInputs(t))

	if err := runJob(context.Background(), jm, nil, job.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCompleted {
		t.Errorf("Job should be completed, got %s", updated.State)
	}
	if updated.Iterations != 20 {
		t.Errorf("Expected 20 iterations, got %d", updated.Iterations)
	}
	if updated.BestLikelihood < updated.InitialLikelihood {
		t.Errorf("Best likelihood %g is below the initial %g", updated.BestLikelihood, updated.InitialLikelihood)
	}
	if updated.best == nil || updated.Nodes != updated.best.Len() {
		t.Error("Best tree should be recorded")
	}
	if len(updated.expected) != 8 {
		t.Errorf("Expected 8 expectation rows, got %d", len(updated.expected))
	}
	if updated.EndTime == nil {
		t.Error("EndTime should be set")
	}
}

func TestRunJob_PersistsToStore(t *testing.T) {
	st, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	jm := NewJobManager()
	job := jm.CreateJob(createTestInputs(t))

	if err := runJob(context.Background(), jm, st, job.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	cp, err := st.LoadCheckpoint(job.ID)
	if err != nil {
		t.Fatalf("Final checkpoint should exist: %v", err)
	}
	if cp.Iteration != 20 {
		t.Errorf("Expected checkpoint at iteration 20, got %d", cp.Iteration)
	}

	updated, _ := jm.GetJob(job.ID)
	if cp.BestLikelihood != updated.BestLikelihood {
		t.Errorf("Checkpoint likelihood %g differs from job %g", cp.BestLikelihood, updated.BestLikelihood)
	}

	trace, err := st.LoadTrace(job.ID)
	if err != nil || len(trace) != 20 {
		t.Errorf("Expected 20 trace entries, got %d (%v)", len(trace), err)
	}

	gv, err := st.LoadArtifact(job.ID, pipeline.ArtifactTree)
	if err != nil || !strings.HasPrefix(string(gv), "digraph") {
		t.Errorf("Tree artifact missing or malformed: %v", err)
	}
	if _, err := st.LoadArtifact(job.ID, pipeline.ArtifactExpected); err != nil {
		t.Errorf("Expectation artifact missing: %v", err)
	}
}

func TestRunJob_MissingInput(t *testing.T) {
	jm := NewJobManager()
	config := createTestInputs(t)
	config.ObservedPath = "/nonexistent/cells.txt"
	job := jm.CreateJob(config)

	err := runJob(context.Background(), jm, nil, job.ID)
	if err == nil {
		t.Error("runJob should fail with a missing observation file")
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateFailed {
		t.Errorf("Job should be failed, got %s", updated.State)
	}
	if updated.Error == "" {
		t.Error("Error message should be set")
	}
}

func TestRunJob_InvalidConfig(t *testing.T) {
	jm := NewJobManager()
	config := createTestInputs(t)
	config.Alpha = 1.5
	job := jm.CreateJob(config)

	if err := runJob(context.Background(), jm, nil, job.ID); err == nil {
		t.Error("runJob should reject an out-of-range rate")
	}
	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateFailed {
		t.Errorf("Job should be failed, got %s", updated.State)
	}
}

func TestRunJob_Cancellation(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(createTestInputs(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runJob(ctx, jm, nil, job.ID)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("runJob should return context.Canceled, got %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCancelled {
		t.Errorf("Job should be cancelled, got %s", updated.State)
	}
}

func TestRunJob_UnknownJob(t *testing.T) {
	if err := runJob(context.Background(), NewJobManager(), nil, "nonexistent"); err == nil {
		t.Error("runJob should fail for an unknown job")
	}
}
