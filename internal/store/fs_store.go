package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore keeps each job under <baseDir>/jobs/<jobID>/:
//
//	checkpoint.json  best tree and run state
//	trace.jsonl      per-round likelihoods
//	<artifact>       named outputs, e.g. best.gv
//
// Writes go through a temp file and a rename, so readers never see a partial
// checkpoint. Distinct jobs may be written concurrently.
type FSStore struct {
	baseDir string
}

// NewFSStore creates the base directory if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

func (fs *FSStore) jobDir(jobID string) string {
	return filepath.Join(fs.baseDir, "jobs", jobID)
}

func (fs *FSStore) checkpointPath(jobID string) string {
	return filepath.Join(fs.jobDir(jobID), "checkpoint.json")
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// SaveCheckpoint atomically replaces checkpoint.json.
func (fs *FSStore) SaveCheckpoint(jobID string, checkpoint *Checkpoint) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	path := fs.checkpointPath(jobID)
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", jobID, err)
	}

	slog.Debug("Checkpoint saved", "jobID", jobID, "path", path, "iteration", checkpoint.Iteration)
	return nil
}

// LoadCheckpoint reads checkpoint.json.
func (fs *FSStore) LoadCheckpoint(jobID string) (*Checkpoint, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}

	path := fs.checkpointPath(jobID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}

	slog.Debug("Checkpoint loaded", "jobID", jobID, "path", path)
	return &checkpoint, nil
}

// ListCheckpoints scans the jobs directory. Directories without a readable
// checkpoint are skipped.
func (fs *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(filepath.Join(fs.baseDir, "jobs"))
	if os.IsNotExist(err) {
		return []CheckpointInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		if _, err := os.Stat(fs.checkpointPath(jobID)); os.IsNotExist(err) {
			continue
		}
		checkpoint, err := fs.LoadCheckpoint(jobID)
		if err != nil {
			slog.Warn("Failed to load checkpoint for listing", "jobID", jobID, "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].JobID < infos[j].JobID })

	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// DeleteCheckpoint removes the whole job directory.
func (fs *FSStore) DeleteCheckpoint(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}

	jobDir := fs.jobDir(jobID)
	if _, err := os.Stat(jobDir); os.IsNotExist(err) {
		return &NotFoundError{JobID: jobID}
	} else if err != nil {
		return fmt.Errorf("failed to stat job directory: %w", err)
	}
	if err := os.RemoveAll(jobDir); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}

	slog.Debug("Checkpoint deleted", "jobID", jobID, "path", jobDir)
	return nil
}

// AppendTrace appends entries to trace.jsonl.
func (fs *FSStore) AppendTrace(jobID string, entries []TraceEntry) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	return appendTraceFile(filepath.Join(fs.jobDir(jobID), traceFile), entries)
}

// LoadTrace reads trace.jsonl.
func (fs *FSStore) LoadTrace(jobID string) ([]TraceEntry, error) {
	return readTraceFile(filepath.Join(fs.jobDir(jobID), traceFile), jobID)
}

// SaveArtifact atomically writes a file into the job directory.
func (fs *FSStore) SaveArtifact(jobID, name string, data []byte) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if !validArtifactName(name) {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	if err := writeAtomic(filepath.Join(fs.jobDir(jobID), name), data); err != nil {
		return fmt.Errorf("save artifact %s/%s: %w", jobID, name, err)
	}
	return nil
}

// LoadArtifact reads a file written by SaveArtifact.
func (fs *FSStore) LoadArtifact(jobID, name string) ([]byte, error) {
	if jobID == "" || !validArtifactName(name) {
		return nil, fmt.Errorf("invalid artifact %q for job %q", name, jobID)
	}
	data, err := os.ReadFile(filepath.Join(fs.jobDir(jobID), name))
	if os.IsNotExist(err) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact %s/%s: %w", jobID, name, err)
	}
	return data, nil
}

// validArtifactName accepts plain file names that do not shadow job state.
func validArtifactName(name string) bool {
	return name != "" && name == filepath.Base(name) && !strings.HasPrefix(name, ".") &&
		name != "checkpoint.json" && name != traceFile
}
