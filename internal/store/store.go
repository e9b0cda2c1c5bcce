package store

// Store persists checkpoints, round traces and output artifacts of search jobs.
// Implementations must be safe for concurrent use.
//
// Load and Delete return a *NotFoundError (matching ErrNotFound) for unknown
// jobs. Other failures are wrapped with context.
type Store interface {
	// SaveCheckpoint replaces the checkpoint of jobID.
	SaveCheckpoint(jobID string, checkpoint *Checkpoint) error

	// LoadCheckpoint returns the checkpoint of jobID.
	LoadCheckpoint(jobID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata for every stored checkpoint, ordered
	// by job id.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the checkpoint together with its trace and
	// artifacts.
	DeleteCheckpoint(jobID string) error

	// AppendTrace records per-round progress.
	AppendTrace(jobID string, entries []TraceEntry) error

	// LoadTrace returns the recorded rounds in write order.
	LoadTrace(jobID string) ([]TraceEntry, error)

	// SaveArtifact stores a named output such as "best.gv".
	SaveArtifact(jobID, name string, data []byte) error

	// LoadArtifact returns a stored artifact.
	LoadArtifact(jobID, name string) ([]byte, error)
}

// ErrNotFound matches any *NotFoundError via errors.Is.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint error.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID != "" {
		return "checkpoint not found: " + e.JobID
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
