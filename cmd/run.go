package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cwbudde/gppshc/internal/config"
	"github.com/cwbudde/gppshc/internal/pipeline"
)

var (
	runFlags      = config.Default()
	runConfigPath string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the hill climber on one data set",
	Long: `Builds the initial tree from the ILP matrix, climbs for --mi rounds of --ns
neighbours each and writes the input tree, the best tree and the expected
genotype matrix to --outdir.

With --config, parameters are read from a YAML file; flags given on the
command line override the file.`,
	RunE: runOptimization,
}

func init() {
	bindRunFlags(runCmd.Flags(), &runFlags)
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "YAML run configuration")
	rootCmd.AddCommand(runCmd)
}

// bindRunFlags registers one flag per RunConfig field.
func bindRunFlags(fs *pflag.FlagSet, c *config.RunConfig) {
	fs.StringVarP(&c.ILPFile, "ilpfile", "i", c.ILPFile, "ILP output matrix defining the initial tree (required)")
	fs.StringVarP(&c.SCSFile, "scsfile", "s", c.SCSFile, "Observed single-cell mutation matrix (required)")
	fs.StringVar(&c.NamesFile, "names", c.NamesFile, "Mutation names, one per line (default 1..n)")
	fs.IntVarP(&c.K, "k", "k", c.K, "Maximum losses per mutation (required)")
	fs.StringVarP(&c.OutDir, "outdir", "o", c.OutDir, "Output directory (required)")
	fs.Float64VarP(&c.FalsePositive, "falsepositive", "b", c.FalsePositive, "False positive rate beta (required)")
	fs.Float64VarP(&c.FalseNegative, "falsenegative", "a", c.FalseNegative, "False negative rate alpha (required)")
	fs.IntVar(&c.NeighborhoodSize, "ns", c.NeighborhoodSize, "Neighbours scored per round (required)")
	fs.IntVar(&c.MaxIterations, "mi", c.MaxIterations, "Number of rounds (required)")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Random seed")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Neighbours scored concurrently")
	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "Random draws allowed per neighbour")
	fs.BoolVar(&c.Calibrate, "calibrate", c.Calibrate, "Estimate error rates on the best tree")
	fs.StringVar(&c.CheckpointDir, "checkpoint-dir", c.CheckpointDir, "Directory for checkpoints and trace (disabled when empty)")
	fs.IntVar(&c.CheckpointInterval, "checkpoint-interval", c.CheckpointInterval, "Seconds between checkpoints")
	fs.StringVar(&c.Store, "store", c.Store, "Checkpoint backend: fs or sqlite")
}

// overrideChanged copies the flags set on the command line from flags onto
// base.
func overrideChanged(fs *pflag.FlagSet, base, flags config.RunConfig) config.RunConfig {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "ilpfile":
			base.ILPFile = flags.ILPFile
		case "scsfile":
			base.SCSFile = flags.SCSFile
		case "names":
			base.NamesFile = flags.NamesFile
		case "k":
			base.K = flags.K
		case "outdir":
			base.OutDir = flags.OutDir
		case "falsepositive":
			base.FalsePositive = flags.FalsePositive
		case "falsenegative":
			base.FalseNegative = flags.FalseNegative
		case "ns":
			base.NeighborhoodSize = flags.NeighborhoodSize
		case "mi":
			base.MaxIterations = flags.MaxIterations
		case "seed":
			base.Seed = flags.Seed
		case "workers":
			base.Workers = flags.Workers
		case "max-attempts":
			base.MaxAttempts = flags.MaxAttempts
		case "calibrate":
			base.Calibrate = flags.Calibrate
		case "checkpoint-dir":
			base.CheckpointDir = flags.CheckpointDir
		case "checkpoint-interval":
			base.CheckpointInterval = flags.CheckpointInterval
		case "store":
			base.Store = flags.Store
		}
	})
	return base
}

// requiredRunFlags must be given on the command line unless --config is set.
var requiredRunFlags = []string{"k", "ns", "mi", "falsenegative", "falsepositive"}

// resolveRunConfig merges the optional config file with the command line.
func resolveRunConfig(fs *pflag.FlagSet, path string, flags config.RunConfig) (config.RunConfig, error) {
	if path == "" {
		var missing []string
		for _, name := range requiredRunFlags {
			if !fs.Changed(name) {
				missing = append(missing, `"`+name+`"`)
			}
		}
		if len(missing) > 0 {
			return config.RunConfig{}, fmt.Errorf("required flag(s) %s not set", strings.Join(missing, ", "))
		}
		return flags, nil
	}
	fileCfg, err := config.Load(path)
	if err != nil {
		return config.RunConfig{}, err
	}
	return overrideChanged(fs, fileCfg, flags), nil
}

func runOptimization(cmd *cobra.Command, args []string) error {
	cfg, err := resolveRunConfig(cmd.Flags(), runConfigPath, runFlags)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.Info("Starting optimization",
		"ilpfile", cfg.ILPFile,
		"scsfile", cfg.SCSFile,
		"k", cfg.K,
		"ns", cfg.NeighborhoodSize,
		"mi", cfg.MaxIterations,
	)

	in, err := pipeline.LoadInputs(cfg)
	if err != nil {
		return err
	}

	var opts pipeline.Options
	if cfg.CheckpointDir != "" {
		st, closeStore, err := openStore(cfg.Store, cfg.CheckpointDir)
		if err != nil {
			return err
		}
		defer closeStore()
		opts = pipeline.Options{
			JobID:              uuid.New().String(),
			Store:              st,
			CheckpointInterval: secondsDuration(cfg.CheckpointInterval),
		}
	}

	return climbAndWrite(cmd.Context(), cfg, in, opts)
}

// climbAndWrite runs the search until it finishes or the process is
// interrupted, and writes the output files on success.
func climbAndWrite(parent context.Context, cfg config.RunConfig, in *pipeline.Inputs, opts pipeline.Options) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	out, err := pipeline.Run(ctx, cfg, in, opts)
	if errors.Is(err, context.Canceled) && out != nil && opts.Store != nil {
		fmt.Printf("Interrupted after %d rounds; resume with: gppshc resume %s --checkpoint-dir %s --store %s --outdir %s\n",
			out.Iterations, opts.JobID, cfg.CheckpointDir, cfg.Store, cfg.OutDir)
		return err
	}
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	paths, err := pipeline.WriteOutputs(cfg.OutDir, cfg.Base(), in.Tree, out)
	if err != nil {
		return err
	}

	slog.Info("Optimization complete",
		"elapsed", elapsed,
		"initial_likelihood", out.InitialLikelihood,
		"final_likelihood", out.Result.Likelihood,
		"improvement", out.Result.Likelihood-out.InitialLikelihood,
		"rounds_per_second", fmt.Sprintf("%.1f", float64(out.Result.Iterations)/elapsed.Seconds()),
	)

	fmt.Printf("Wrote %s (log-likelihood: %.4f -> %.4f)\n", paths.BestTree, out.InitialLikelihood, out.Result.Likelihood)
	if out.Rates != nil {
		fmt.Printf("Estimated rates: alpha=%.5f beta=%.5f (written to %s)\n", out.Rates.Alpha, out.Rates.Beta, paths.Rates)
	}
	if opts.Store != nil {
		fmt.Printf("Checkpoint: %s\n", opts.JobID)
	}
	return nil
}
