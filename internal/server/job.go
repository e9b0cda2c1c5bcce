package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/gppshc/internal/phylo"
	"github.com/cwbudde/gppshc/internal/store"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the job has stopped.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// JobConfig is an alias to avoid duplication with store.JobConfig
type JobConfig = store.JobConfig

// Job is a hill-climbing run owned by the server.
type Job struct {
	ID                string     `json:"id"`
	State             JobState   `json:"state"`
	Config            JobConfig  `json:"config"`
	BestLikelihood    float64    `json:"bestLikelihood"`
	InitialLikelihood float64    `json:"initialLikelihood"`
	Iterations        int        `json:"iterations"`
	StaleRounds       int        `json:"staleRounds"`
	Nodes             int        `json:"nodes"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	Error             string     `json:"error,omitempty"`
	UnsupportedLosses []string   `json:"unsupportedLosses,omitempty"`

	best     *phylo.Tree // never modified once published
	expected [][]int
	cancel   context.CancelFunc
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	hub  *progressHub
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*Job),
		hub:  newProgressHub(),
	}
}

// CreateJob registers a pending job and returns a copy of it.
func (jm *JobManager) CreateJob(config JobConfig) Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		StartTime: time.Now(),
	}
	jm.jobs[job.ID] = job
	return *job
}

// GetJob returns a copy of the job.
func (jm *JobManager) GetJob(id string) (Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return Job{}, false
	}
	return *job, true
}

// ListJobs returns copies of all jobs, oldest first.
func (jm *JobManager) ListJobs() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartTime.Equal(jobs[j].StartTime) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].StartTime.Before(jobs[j].StartTime)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	updateFn(job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []Job {
	running := []Job{}
	for _, job := range jm.ListJobs() {
		if job.State == StateRunning {
			running = append(running, job)
		}
	}
	return running
}

// CancelJob stops a pending or running job. It reports false for unknown or
// finished jobs.
func (jm *JobManager) CancelJob(id string) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists || job.State.Terminal() || job.cancel == nil {
		return false
	}
	job.cancel()
	return true
}
