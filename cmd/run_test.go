package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/cwbudde/gppshc/internal/config"
	"github.com/cwbudde/gppshc/internal/pipeline"
)

func TestResolveRunConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	doc := "ilpfile: tree.ilp\nscsfile: cells.txt\nk: 1\nns: 10\nmi: 50\nseed: 7\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	flags := config.Default()
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	bindRunFlags(fs, &flags)
	if err := fs.Parse([]string{"--mi", "200", "-k", "2", "-o", "results"}); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	cfg, err := resolveRunConfig(fs, path, flags)
	if err != nil {
		t.Fatalf("resolveRunConfig failed: %v", err)
	}
	if cfg.MaxIterations != 200 || cfg.K != 2 || cfg.OutDir != "results" {
		t.Errorf("Command line values should win: %+v", cfg)
	}
	if cfg.ILPFile != "tree.ilp" || cfg.NeighborhoodSize != 10 || cfg.Seed != 7 {
		t.Errorf("Unset flags should keep file values: %+v", cfg)
	}
}

func TestResolveRunConfig_NoFile(t *testing.T) {
	flags := config.Default()
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	bindRunFlags(fs, &flags)
	if err := fs.Parse([]string{"-i", "tree.ilp", "--seed", "3",
		"-k", "0", "--ns", "5", "--mi", "20", "-a", "0.1", "-b", "0.01"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := resolveRunConfig(fs, "", flags)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ILPFile != "tree.ilp" || cfg.Seed != 3 || cfg.Workers != 1 {
		t.Errorf("Unexpected config: %+v", cfg)
	}

	if _, err := resolveRunConfig(fs, filepath.Join(t.TempDir(), "missing.yaml"), flags); err == nil {
		t.Error("Expected error for a missing config file")
	}
}

func TestResolveRunConfig_RequiredFlags(t *testing.T) {
	flags := config.Default()
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	bindRunFlags(fs, &flags)
	if err := fs.Parse([]string{"-i", "tree.ilp", "-s", "cells.txt", "-o", "out", "--ns", "5", "-a", "0.1"}); err != nil {
		t.Fatal(err)
	}

	_, err := resolveRunConfig(fs, "", flags)
	if err == nil {
		t.Fatal("Expected error when -k, --mi and -b are missing")
	}
	for _, name := range []string{`"k"`, `"mi"`, `"falsepositive"`} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("Error should name %s: %v", name, err)
		}
	}
	for _, name := range []string{`"ns"`, `"falsenegative"`} {
		if strings.Contains(err.Error(), name) {
			t.Errorf("Error should not name %s: %v", name, err)
		}
	}

	// a config file supplies them instead
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte("k: 1\nmi: 10\nfalsepositive: 0.01\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := resolveRunConfig(fs, path, flags)
	if err != nil {
		t.Fatalf("Config file runs should not require flags: %v", err)
	}
	if cfg.K != 1 || cfg.MaxIterations != 10 || cfg.NeighborhoodSize != 5 {
		t.Errorf("Unexpected config: %+v", cfg)
	}
}

func TestClimbAndWrite(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	cfg := config.Default()
	cfg.SCSFile = write("cells.txt", "1 0 0\n1 1 0\n1 1 1\n0 0 0\n1 0 1\n")
	cfg.ILPFile = write("sample.ilp.txt", "1 0 0\n0 1 0\n0 0 1\n")
	cfg.OutDir = filepath.Join(dir, "out")
	cfg.FalseNegative = 0.1
	cfg.FalsePositive = 0.01
	cfg.NeighborhoodSize = 5
	cfg.MaxIterations = 10
	cfg.CheckpointDir = filepath.Join(dir, "ckpt")
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	in, err := pipeline.LoadInputs(cfg)
	if err != nil {
		t.Fatalf("LoadInputs failed: %v", err)
	}
	st, closeStore, err := openStore(cfg.Store, cfg.CheckpointDir)
	if err != nil {
		t.Fatal(err)
	}
	defer closeStore()

	opts := pipeline.Options{JobID: "cli-job", Store: st}
	if err := climbAndWrite(context.Background(), cfg, in, opts); err != nil {
		t.Fatalf("climbAndWrite failed: %v", err)
	}

	paths := pipeline.Paths(cfg.OutDir, "sample.ilp")
	for _, p := range []string{paths.InputTree, paths.BestTree, paths.Expected} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Expected output %s: %v", p, err)
		}
	}

	cp, err := st.LoadCheckpoint("cli-job")
	if err != nil {
		t.Fatalf("Expected checkpoint: %v", err)
	}
	if cp.Iteration != 10 {
		t.Errorf("Expected checkpoint at round 10, got %d", cp.Iteration)
	}
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	if _, _, err := openStore("redis", t.TempDir()); err == nil {
		t.Error("Expected error for an unknown backend")
	}
}
