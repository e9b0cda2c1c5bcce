package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cwbudde/gppshc/internal/config"
	"github.com/cwbudde/gppshc/internal/pipeline"
)

var (
	resumeFlags      = config.Default()
	resumeConfigPath string
)

var resumeCmd = &cobra.Command{
	Use:   "resume [job-id]",
	Short: "Resume a run from its checkpoint",
	Long: `Restores the best tree of a checkpointed run and climbs for the rounds left
until --mi. The inputs and model parameters come from the checkpoint unless
--config names a run configuration, which must match them.

Raising --mi extends a finished run.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	f := resumeCmd.Flags()
	f.StringVarP(&resumeFlags.OutDir, "outdir", "o", "", "Output directory (required)")
	f.StringVar(&resumeFlags.CheckpointDir, "checkpoint-dir", "", "Directory holding the checkpoint (required)")
	f.StringVar(&resumeFlags.Store, "store", resumeFlags.Store, "Checkpoint backend: fs or sqlite")
	f.IntVar(&resumeFlags.MaxIterations, "mi", 0, "Total number of rounds (default from checkpoint)")
	f.IntVar(&resumeFlags.Workers, "workers", 0, "Neighbours scored concurrently (default from checkpoint)")
	f.IntVar(&resumeFlags.CheckpointInterval, "checkpoint-interval", resumeFlags.CheckpointInterval, "Seconds between checkpoints")
	f.BoolVar(&resumeFlags.Calibrate, "calibrate", false, "Estimate error rates on the best tree")
	f.StringVar(&resumeConfigPath, "config", "", "YAML run configuration to check against the checkpoint")
	resumeCmd.MarkFlagRequired("checkpoint-dir")
	resumeCmd.MarkFlagRequired("outdir")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	st, closeStore, err := openStore(resumeFlags.Store, resumeFlags.CheckpointDir)
	if err != nil {
		return err
	}
	defer closeStore()

	cp, err := st.LoadCheckpoint(jobID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("checkpoint %s is invalid: %w", jobID, err)
	}

	cfg := config.FromJobConfig(cp.Config)
	if resumeConfigPath != "" {
		if cfg, err = config.Load(resumeConfigPath); err != nil {
			return err
		}
		if err := cp.IsCompatible(cfg.JobConfig()); err != nil {
			return fmt.Errorf("config does not match checkpoint %s: %w", jobID, err)
		}
	}

	cfg.OutDir = resumeFlags.OutDir
	cfg.CheckpointDir = resumeFlags.CheckpointDir
	cfg.Store = resumeFlags.Store
	cfg.Calibrate = cfg.Calibrate || resumeFlags.Calibrate
	if cmd.Flags().Changed("checkpoint-interval") {
		cfg.CheckpointInterval = resumeFlags.CheckpointInterval
	}
	if resumeFlags.MaxIterations > 0 {
		cfg.MaxIterations = resumeFlags.MaxIterations
	}
	if resumeFlags.Workers > 0 {
		cfg.Workers = resumeFlags.Workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cp.Iteration >= cfg.MaxIterations {
		slog.Info("Checkpoint already reached the round limit", "job_id", jobID, "iteration", cp.Iteration, "mi", cfg.MaxIterations)
	}
	slog.Info("Resuming optimization",
		"job_id", jobID,
		"iteration", cp.Iteration,
		"mi", cfg.MaxIterations,
		"likelihood", cp.BestLikelihood,
	)

	in, err := pipeline.LoadInputs(cfg)
	if err != nil {
		return err
	}

	return climbAndWrite(cmd.Context(), cfg, in, pipeline.Options{
		JobID:              jobID,
		Store:              st,
		CheckpointInterval: secondsDuration(cfg.CheckpointInterval),
		Resume:             cp,
	})
}
