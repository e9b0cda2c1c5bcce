package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/gppshc/internal/climb"
	"github.com/cwbudde/gppshc/internal/config"
	"github.com/cwbudde/gppshc/internal/pipeline"
	"github.com/cwbudde/gppshc/internal/store"
)

// runJob executes a job in the background. With a non-nil checkpointStore the
// trace and final checkpoint are persisted, plus periodic checkpoints when the
// job has a positive CheckpointInterval.
func runJob(ctx context.Context, jm *JobManager, checkpointStore store.Store, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	cfg := config.FromJobConfig(job.Config)
	if err := cfg.ValidateSearch(); err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	if err := jm.UpdateJob(jobID, func(j *Job) { j.State = StateRunning }); err != nil {
		return err
	}
	slog.Info("Starting job", "job_id", jobID, "observed", cfg.SCSFile, "tree", cfg.ILPFile)

	in, err := pipeline.LoadInputs(cfg)
	if err != nil {
		markJobFailed(jm, jobID, fmt.Errorf("failed to load inputs: %w", err))
		return err
	}

	if err := ctx.Err(); err != nil {
		markJobCancelled(jm, jobID)
		return err
	}

	start := time.Now()
	progressDone := make(chan struct{})
	monitorStopped := make(chan struct{})
	go func() {
		defer close(monitorStopped)
		monitorProgress(ctx, jm, jobID, start, progressDone)
	}()

	out, err := pipeline.Run(ctx, cfg, in, pipeline.Options{
		JobID:              jobID,
		Store:              checkpointStore,
		CheckpointInterval: time.Duration(cfg.CheckpointInterval) * time.Second,
		OnStart: func(ll float64) {
			jm.UpdateJob(jobID, func(j *Job) {
				j.InitialLikelihood = ll
				j.BestLikelihood = ll
				j.best = in.Tree
				j.Nodes = in.Tree.Len()
			})
		},
		OnRound: func(s climb.RoundStats) {
			jm.UpdateJob(jobID, func(j *Job) {
				j.Iterations = s.Iteration
				j.BestLikelihood = s.Likelihood
				j.StaleRounds = s.StaleRounds
				j.best = s.Best
				j.Nodes = s.Best.Len()
			})
		},
	})
	close(progressDone)
	<-monitorStopped
	elapsed := time.Since(start)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		markJobCancelled(jm, jobID)
		return err
	}
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	if checkpointStore != nil {
		if data, err := pipeline.ExpectedBytes(out); err == nil {
			if err := checkpointStore.SaveArtifact(jobID, pipeline.ArtifactExpected, data); err != nil {
				slog.Warn("Failed to save expectation matrix", "job_id", jobID, "error", err)
			}
		}
	}

	endTime := time.Now()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.BestLikelihood = out.Result.Likelihood
		j.InitialLikelihood = out.InitialLikelihood
		j.Iterations = out.Iterations
		j.best = out.Result.Tree
		j.Nodes = out.Result.Tree.Len()
		j.expected = out.Expectation.Rows
		j.UnsupportedLosses = out.UnsupportedLosses
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}
	jobsFinished.WithLabelValues(string(StateCompleted)).Inc()

	rps := roundsPerSecond(out.Result.Iterations, elapsed)
	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", elapsed,
		"initial_likelihood", out.InitialLikelihood,
		"likelihood", out.Result.Likelihood,
		"rounds_per_second", rps,
	)

	final, _ := jm.GetJob(jobID)
	jm.hub.Publish(newProgressEvent(final, rps))
	return nil
}

// monitorProgress periodically broadcasts progress events during the search
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, startTime time.Time, done chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond) // at most 2 updates per second
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}
			jm.hub.Publish(newProgressEvent(job, roundsPerSecond(job.Iterations, time.Since(startTime))))
		}
	}
}

func roundsPerSecond(rounds int, elapsed time.Duration) float64 {
	if elapsed <= 0 || rounds == 0 {
		return 0
	}
	return float64(rounds) / elapsed.Seconds()
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	finishJob(jm, jobID, StateFailed, err.Error())
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	finishJob(jm, jobID, StateCancelled, "")
	slog.Info("Job cancelled", "job_id", jobID)
}

func finishJob(jm *JobManager, jobID string, state JobState, msg string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = state
		j.Error = msg
		j.EndTime = &endTime
	})
	jobsFinished.WithLabelValues(string(state)).Inc()
	if job, ok := jm.GetJob(jobID); ok {
		jm.hub.Publish(newProgressEvent(job, 0))
	}
}
