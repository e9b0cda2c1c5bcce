package store

import (
	"fmt"
	"math"
	"time"

	"github.com/cwbudde/gppshc/internal/phylo"
)

// JobConfig holds the run parameters stored with a checkpoint.
// It lives here rather than in the server package to avoid an import cycle.
type JobConfig struct {
	ObservedPath       string  `json:"observedPath"`
	TreePath           string  `json:"treePath"`
	NamesPath          string  `json:"namesPath,omitempty"`
	K                  int     `json:"k"`
	Alpha              float64 `json:"alpha"` // false negative rate
	Beta               float64 `json:"beta"`  // false positive rate
	NeighborhoodSize   int     `json:"neighborhoodSize"`
	MaxIterations      int     `json:"maxIterations"`
	Seed               int64   `json:"seed"`
	Workers            int     `json:"workers,omitempty"`
	MaxAttempts        int     `json:"maxAttempts,omitempty"`
	CheckpointInterval int     `json:"checkpointInterval,omitempty"` // seconds, 0 disables
}

// Checkpoint is a saved search state.
//
// Only the best tree is kept. The random stream is not persisted, so a resumed
// search draws a fresh neighbourhood sequence from the configured seed and the
// completed round count. The best likelihood therefore never decreases across
// a resume, but the trajectory differs from an uninterrupted run.
type Checkpoint struct {
	JobID string `json:"jobId"`

	BestTree          phylo.Snapshot `json:"bestTree"`
	BestLikelihood    float64        `json:"bestLikelihood"`
	InitialLikelihood float64        `json:"initialLikelihood"`

	// Iteration counts completed rounds.
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`

	Config JobConfig `json:"config"`
}

// CheckpointInfo is the listing view of a checkpoint.
type CheckpointInfo struct {
	JobID          string    `json:"jobId"`
	BestLikelihood float64   `json:"bestLikelihood"`
	Iteration      int       `json:"iteration"`
	MaxIterations  int       `json:"maxIterations"`
	Nodes          int       `json:"nodes"`
	Timestamp      time.Time `json:"timestamp"`
	ObservedPath   string    `json:"observedPath"`
	TreePath       string    `json:"treePath"`
}

// NewCheckpoint captures the current best tree of a job.
func NewCheckpoint(jobID string, best *phylo.Tree, bestLL, initialLL float64, iteration int, config JobConfig) *Checkpoint {
	return &Checkpoint{
		JobID:             jobID,
		BestTree:          best.Snapshot(),
		BestLikelihood:    bestLL,
		InitialLikelihood: initialLL,
		Iteration:         iteration,
		Timestamp:         time.Now(),
		Config:            config,
	}
}

// ToInfo converts a full Checkpoint to CheckpointInfo.
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		JobID:          c.JobID,
		BestLikelihood: c.BestLikelihood,
		Iteration:      c.Iteration,
		MaxIterations:  c.Config.MaxIterations,
		Nodes:          len(c.BestTree.Nodes),
		Timestamp:      c.Timestamp,
		ObservedPath:   c.Config.ObservedPath,
		TreePath:       c.Config.TreePath,
	}
}

// Tree restores the best tree.
func (c *Checkpoint) Tree() (*phylo.Tree, error) {
	return phylo.FromSnapshot(c.BestTree)
}

// Validate checks that the checkpoint can be resumed.
func (c *Checkpoint) Validate() error {
	if c.JobID == "" {
		return &ValidationError{Field: "JobID", Reason: "cannot be empty"}
	}
	if len(c.BestTree.Nodes) == 0 {
		return &ValidationError{Field: "BestTree", Reason: "cannot be empty"}
	}
	if !finiteLogLikelihood(c.BestLikelihood) {
		return &ValidationError{Field: "BestLikelihood", Reason: "must be a finite log-likelihood <= 0"}
	}
	if !finiteLogLikelihood(c.InitialLikelihood) {
		return &ValidationError{Field: "InitialLikelihood", Reason: "must be a finite log-likelihood <= 0"}
	}
	if c.BestLikelihood < c.InitialLikelihood {
		return &ValidationError{Field: "BestLikelihood", Reason: "cannot be below InitialLikelihood"}
	}
	if c.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.ObservedPath == "" {
		return &ValidationError{Field: "Config.ObservedPath", Reason: "cannot be empty"}
	}
	if c.Config.TreePath == "" {
		return &ValidationError{Field: "Config.TreePath", Reason: "cannot be empty"}
	}
	if c.Config.K < 0 {
		return &ValidationError{Field: "Config.K", Reason: "cannot be negative"}
	}
	if c.Config.Alpha <= 0 || c.Config.Alpha >= 1 {
		return &ValidationError{Field: "Config.Alpha", Reason: "must be in (0, 1)"}
	}
	if c.Config.Beta <= 0 || c.Config.Beta >= 1 {
		return &ValidationError{Field: "Config.Beta", Reason: "must be in (0, 1)"}
	}
	if c.Config.NeighborhoodSize <= 0 {
		return &ValidationError{Field: "Config.NeighborhoodSize", Reason: "must be positive"}
	}
	if c.Config.MaxIterations <= 0 {
		return &ValidationError{Field: "Config.MaxIterations", Reason: "must be positive"}
	}
	if _, err := c.Tree(); err != nil {
		return &ValidationError{Field: "BestTree", Reason: err.Error()}
	}
	return nil
}

func finiteLogLikelihood(ll float64) bool {
	return !math.IsNaN(ll) && !math.IsInf(ll, 0) && ll <= 0
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks that config scores trees the same way as the
// checkpointed run. Search parameters such as the neighbourhood size may change.
func (c *Checkpoint) IsCompatible(config JobConfig) error {
	if c.Config.ObservedPath != config.ObservedPath {
		return &CompatibilityError{Field: "ObservedPath", Expected: c.Config.ObservedPath, Actual: config.ObservedPath}
	}
	if c.Config.TreePath != config.TreePath {
		return &CompatibilityError{Field: "TreePath", Expected: c.Config.TreePath, Actual: config.TreePath}
	}
	if c.Config.NamesPath != config.NamesPath {
		return &CompatibilityError{Field: "NamesPath", Expected: c.Config.NamesPath, Actual: config.NamesPath}
	}
	if c.Config.K != config.K {
		return &CompatibilityError{
			Field:    "K",
			Expected: fmt.Sprintf("%d", c.Config.K),
			Actual:   fmt.Sprintf("%d", config.K),
		}
	}
	if c.Config.Alpha != config.Alpha {
		return &CompatibilityError{
			Field:    "Alpha",
			Expected: fmt.Sprintf("%g", c.Config.Alpha),
			Actual:   fmt.Sprintf("%g", config.Alpha),
		}
	}
	if c.Config.Beta != config.Beta {
		return &CompatibilityError{
			Field:    "Beta",
			Expected: fmt.Sprintf("%g", c.Config.Beta),
			Actual:   fmt.Sprintf("%g", config.Beta),
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
