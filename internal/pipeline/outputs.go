package pipeline

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/gppshc/internal/dataset"
	"github.com/cwbudde/gppshc/internal/phylo"
)

// Artifact names used in a store.
const (
	ArtifactTree     = "tree.gv"
	ArtifactExpected = "expected.txt"
)

// OutputPaths lists the files written for one run.
type OutputPaths struct {
	InputTree string
	BestTree  string
	Expected  string
	Rates     string // empty unless rates were estimated
}

// Paths returns the output file names for base inside dir.
func Paths(dir, base string) OutputPaths {
	return OutputPaths{
		InputTree: filepath.Join(dir, base+".input.gv"),
		BestTree:  filepath.Join(dir, base+".hill_climbing.gv"),
		Expected:  filepath.Join(dir, base+".hill_climbing.scs.out"),
		Rates:     filepath.Join(dir, base+".rates.yaml"),
	}
}

// WriteOutputs creates dir if needed and writes the input tree, the best tree
// and the expectation matrix, plus the rate estimate when there is one. An
// existing dir is reused.
func WriteOutputs(dir, base string, input *phylo.Tree, out *Outcome) (OutputPaths, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return OutputPaths{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	paths := Paths(dir, base)

	if err := os.WriteFile(paths.InputTree, []byte(input.DOT()), 0644); err != nil {
		return paths, fmt.Errorf("failed to write input tree: %w", err)
	}
	if err := os.WriteFile(paths.BestTree, []byte(out.Result.Tree.DOT()), 0644); err != nil {
		return paths, fmt.Errorf("failed to write best tree: %w", err)
	}

	expected, err := ExpectedBytes(out)
	if err != nil {
		return paths, err
	}
	if err := os.WriteFile(paths.Expected, expected, 0644); err != nil {
		return paths, fmt.Errorf("failed to write expectation matrix: %w", err)
	}

	if out.Rates == nil {
		paths.Rates = ""
	} else {
		data, err := yaml.Marshal(out.Rates)
		if err != nil {
			return paths, fmt.Errorf("failed to encode rates: %w", err)
		}
		if err := os.WriteFile(paths.Rates, data, 0644); err != nil {
			return paths, fmt.Errorf("failed to write rates: %w", err)
		}
	}

	slog.Info("Wrote outputs", "dir", dir, "best_tree", paths.BestTree, "expected", paths.Expected)
	return paths, nil
}

// ExpectedBytes renders the expectation matrix, one cell per line.
func ExpectedBytes(out *Outcome) ([]byte, error) {
	if out.Expectation == nil {
		return nil, fmt.Errorf("run has no expectation matrix")
	}
	var buf bytes.Buffer
	if err := dataset.WriteMatrix(&buf, out.Expectation.Rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
