package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/gppshc/internal/phylo"
	"github.com/cwbudde/gppshc/internal/store"
)

func ids(infos []store.CheckpointInfo) string {
	parts := make([]string, len(infos))
	for i, info := range infos {
		parts[i] = info.JobID
	}
	return strings.Join(parts, ",")
}

func TestRetentionPolicy_Victims(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	infos := []store.CheckpointInfo{
		{JobID: "d10", Timestamp: now.Add(-10 * day)},
		{JobID: "d5", Timestamp: now.Add(-5 * day)},
		{JobID: "d1", Timestamp: now.Add(-1 * day)},
		{JobID: "d30", Timestamp: now.Add(-30 * day)},
		{JobID: "d2", Timestamp: now.Add(-2 * day)},
	}

	tests := []struct {
		name   string
		policy retentionPolicy
		want   string
	}{
		{"age only", retentionPolicy{MaxAge: 7 * day}, "d30,d10"},
		{"count only", retentionPolicy{KeepLast: 2}, "d30,d10,d5"},
		{"age and count overlap", retentionPolicy{KeepLast: 3, MaxAge: 7 * day}, "d30,d10"},
		{"count stricter than age", retentionPolicy{KeepLast: 1, MaxAge: 20 * day}, "d30,d10,d5,d2"},
		{"keep more than exist", retentionPolicy{KeepLast: 9}, ""},
		{"disabled", retentionPolicy{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ids(tt.policy.victims(infos, now)); got != tt.want {
				t.Errorf("victims = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfirm(t *testing.T) {
	for answer, want := range map[string]bool{
		"y\n": true, "YES\n": true, " yes \n": true,
		"n\n": false, "\n": false, "": false, "sure\n": false,
	} {
		var out bytes.Buffer
		if got := confirm(strings.NewReader(answer), &out, "Delete?"); got != want {
			t.Errorf("confirm(%q) = %v, want %v", answer, got, want)
		}
		if !strings.Contains(out.String(), "Delete? [y/N]") {
			t.Errorf("prompt missing: %q", out.String())
		}
	}
}

func TestDirSize(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.json"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "nested", "b.jsonl"), make([]byte, 23), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := dirSize(root)
	if err != nil {
		t.Fatalf("dirSize failed: %v", err)
	}
	if n != 123 {
		t.Errorf("dirSize = %d, want 123", n)
	}
	if _, err := dirSize(filepath.Join(root, "missing")); err == nil {
		t.Error("Expected error for a missing directory")
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID(abc) = %q", got)
	}
	if got := shortID("0123456789abcdef"); got != "0123456789ab..." {
		t.Errorf("shortID = %q", got)
	}
}

func TestCheckpointsList(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		useCheckpointDir(t, t.TempDir(), "fs")
		out, err := runCaptured(runListCheckpoints, "")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, "No checkpoints found.") {
			t.Errorf("unexpected output %q", out)
		}
	})

	for _, backend := range []string{"fs", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			useCheckpointDir(t, dir, backend)
			saveCheckpoints(t, "listed-job")

			out, err := runCaptured(runListCheckpoints, "")
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(out, "listed-job") || !strings.Contains(out, "10/100") || !strings.Contains(out, "-10.5000") {
				t.Errorf("checkpoint row missing from %q", out)
			}
			if backend == "fs" && strings.Contains(out, " ? ") {
				t.Errorf("size should be known for the fs backend: %q", out)
			}
			if backend == "sqlite" {
				if _, err := os.Stat(filepath.Join(dir, sqliteFile)); err != nil {
					t.Errorf("Expected database file: %v", err)
				}
			}
		})
	}
}

func TestCheckpointsShow(t *testing.T) {
	useCheckpointDir(t, t.TempDir(), "fs")
	saveCheckpoints(t, "show-job")

	out, err := runCaptured(runShowCheckpoint, "", "show-job")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.HasPrefix(out, "digraph") || !strings.Contains(out, "\"B\"") {
		t.Errorf("Expected the DOT tree, got %q", out)
	}
	if _, err := runCaptured(runShowCheckpoint, "", "missing"); err == nil {
		t.Error("Expected error for a missing checkpoint")
	}
}

func TestCheckpointsClean(t *testing.T) {
	t.Run("requires a rule", func(t *testing.T) {
		useCheckpointDir(t, t.TempDir(), "fs")
		setRetention(t, 0, 0, true)
		if _, err := runCaptured(runCleanCheckpoints, ""); err == nil {
			t.Error("Expected error without --keep-last or --older-than")
		}
	})

	t.Run("declined", func(t *testing.T) {
		useCheckpointDir(t, t.TempDir(), "fs")
		st := saveCheckpoints(t, "a", "b")
		setRetention(t, 1, 0, false)

		out, err := runCaptured(runCleanCheckpoints, "n\n")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, "Aborted.") {
			t.Errorf("unexpected output %q", out)
		}
		if infos, _ := st.ListCheckpoints(); len(infos) != 2 {
			t.Errorf("nothing should be deleted, %d left", len(infos))
		}
	})

	t.Run("forced by age", func(t *testing.T) {
		useCheckpointDir(t, t.TempDir(), "fs")
		st := saveCheckpoints(t, "fresh")
		old := testCheckpoint(t, "old-job")
		old.Timestamp = time.Now().AddDate(0, 0, -30)
		if err := st.SaveCheckpoint("old-job", old); err != nil {
			t.Fatal(err)
		}
		setRetention(t, 0, 7, true)

		out, err := runCaptured(runCleanCheckpoints, "")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(out, "Deleted 1, failed 0.") {
			t.Errorf("unexpected output %q", out)
		}
		if _, err := st.LoadCheckpoint("old-job"); err == nil {
			t.Error("old-job should be deleted")
		}
		if _, err := st.LoadCheckpoint("fresh"); err != nil {
			t.Errorf("fresh should survive: %v", err)
		}
	})
}

// runCaptured invokes a checkpoints handler with stdin and returns stdout.
func runCaptured(run func(*cobra.Command, []string) error, stdin string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	err := run(cmd, args)
	return out.String(), err
}

func useCheckpointDir(t *testing.T, dir, backend string) {
	t.Helper()
	prevDir, prevBackend := checkpointDataDir, checkpointBackend
	checkpointDataDir, checkpointBackend = dir, backend
	t.Cleanup(func() { checkpointDataDir, checkpointBackend = prevDir, prevBackend })
}

func setRetention(t *testing.T, keep, days int, force bool) {
	t.Helper()
	prevKeep, prevDays, prevForce := retention.KeepLast, olderThanDays, assumeYes
	retention.KeepLast, olderThanDays, assumeYes = keep, days, force
	t.Cleanup(func() { retention.KeepLast, olderThanDays, assumeYes = prevKeep, prevDays, prevForce })
}

// saveCheckpoints stores one checkpoint per job id in the configured
// backend and returns a store that stays open for the test.
func saveCheckpoints(t *testing.T, jobIDs ...string) store.Store {
	t.Helper()
	st, closeStore, err := openStore(checkpointBackend, checkpointDataDir)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(closeStore)
	for i, id := range jobIDs {
		cp := testCheckpoint(t, id)
		cp.Timestamp = time.Now().Add(-time.Duration(len(jobIDs)-i) * time.Minute)
		if err := st.SaveCheckpoint(id, cp); err != nil {
			t.Fatalf("Failed to save checkpoint %s: %v", id, err)
		}
	}
	return st
}

// testCheckpoint builds a checkpoint of the tree germline -> A -> B.
func testCheckpoint(t *testing.T, jobID string) *store.Checkpoint {
	t.Helper()
	tr := phylo.NewTree(2)
	if _, err := tr.AddChild(phylo.RootID, 1, "A", 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.AddChild(1, 2, "B", 1, false); err != nil {
		t.Fatal(err)
	}
	return store.NewCheckpoint(jobID, tr, -10.5, -31.0, 10, store.JobConfig{
		ObservedPath:     "cells.txt",
		TreePath:         "tree.ilp",
		K:                0,
		Alpha:            0.1,
		Beta:             0.01,
		NeighborhoodSize: 5,
		MaxIterations:    100,
		Seed:             42,
	})
}
