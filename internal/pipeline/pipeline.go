// Package pipeline wires the inputs, the hill climber, persistence and the
// output files of one run. Both the CLI and the job server drive it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cwbudde/gppshc/internal/calibrate"
	"github.com/cwbudde/gppshc/internal/climb"
	"github.com/cwbudde/gppshc/internal/config"
	"github.com/cwbudde/gppshc/internal/dataset"
	"github.com/cwbudde/gppshc/internal/likelihood"
	"github.com/cwbudde/gppshc/internal/opt"
	"github.com/cwbudde/gppshc/internal/phylo"
	"github.com/cwbudde/gppshc/internal/store"
)

// Mayfly budget for error-rate calibration.
const (
	CalibrationIterations = 60
	CalibrationPopulation = 20
)

// Inputs are the parsed files of a run.
type Inputs struct {
	Names        []string
	Tree         *phylo.Tree // built from the ILP matrix
	Observations *likelihood.Matrix
}

// LoadInputs reads the observation matrix, the mutation names and the ILP
// matrix, and builds the initial tree. Without a names file the mutations are
// labelled "1".."n" after the observation columns.
func LoadInputs(cfg config.RunConfig) (*Inputs, error) {
	rows, err := dataset.ReadObservationsFile(cfg.SCSFile)
	if err != nil {
		return nil, err
	}
	obs, err := likelihood.NewMatrix(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.SCSFile, err)
	}

	names := dataset.DefaultNames(obs.Width())
	if cfg.NamesFile != "" {
		if names, err = dataset.ReadNamesFile(cfg.NamesFile); err != nil {
			return nil, err
		}
		if len(names) != obs.Width() {
			return nil, fmt.Errorf("%w: %d mutation names for %d observation columns",
				dataset.ErrMalformed, len(names), obs.Width())
		}
	}

	ilp, err := dataset.ReadMatrixFile(cfg.ILPFile)
	if err != nil {
		return nil, err
	}
	tree, err := phylo.BuildFromILP(ilp, names, cfg.K)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.ILPFile, err)
	}

	slog.Info("Loaded inputs",
		"cells", obs.Cells(),
		"mutations", obs.Width(),
		"tree_nodes", tree.Len(),
		"k", cfg.K,
	)
	return &Inputs{Names: names, Tree: tree, Observations: obs}, nil
}

// Options control persistence and resumption of a run. The zero value runs
// from the input tree without a store.
type Options struct {
	JobID string
	// Store receives the trace, periodic checkpoints and the final tree.
	Store store.Store
	// CheckpointInterval is the minimum time between periodic checkpoints;
	// zero saves only the final checkpoint.
	CheckpointInterval time.Duration

	// Resume continues from a checkpoint instead of the input tree.
	Resume *store.Checkpoint

	// OnStart receives the score of the input tree before the first round.
	OnStart func(initialLikelihood float64)
	// OnRound sees every round with its absolute iteration number.
	OnRound func(climb.RoundStats)
}

// Outcome is the result of a run.
type Outcome struct {
	Result            *climb.Result
	InitialLikelihood float64 // score of the input tree
	Iterations        int     // rounds completed including resumed ones
	Expectation       *likelihood.Expectation
	Rates             *calibrate.Rates // set when calibration ran
	UnsupportedLosses []string         // loss leaves no cell attaches to
	CacheHits         uint64
	CacheMisses       uint64
}

// Run climbs from the input tree, or from opts.Resume, for the rounds left in
// cfg.MaxIterations. On cancellation the best tree so far is checkpointed and
// returned with the context error.
func Run(ctx context.Context, cfg config.RunConfig, in *Inputs, opts Options) (*Outcome, error) {
	engine := likelihood.NewEngine()
	alpha, beta := cfg.FalseNegative, cfg.FalsePositive
	objective := engine.Objective(in.Observations, alpha, beta)

	start := in.Tree
	done := 0
	initialLL := objective(in.Tree)
	if cp := opts.Resume; cp != nil {
		tree, err := cp.Tree()
		if err != nil {
			return nil, fmt.Errorf("restore checkpoint %s: %w", cp.JobID, err)
		}
		if tree.Mutations() != in.Observations.Width() {
			return nil, fmt.Errorf("checkpoint %s has %d mutations, observations have %d",
				cp.JobID, tree.Mutations(), in.Observations.Width())
		}
		start, done, initialLL = tree, cp.Iteration, cp.InitialLikelihood
		slog.Info("Resuming from checkpoint", "job_id", cp.JobID, "iteration", done, "likelihood", cp.BestLikelihood)
	}

	remaining := cfg.MaxIterations - done
	if remaining < 0 {
		remaining = 0
	}
	// resumed runs draw a different stream than the rounds already done
	rng := rand.New(rand.NewSource(cfg.Seed + int64(done)))
	climber, err := climb.New(climb.Config{
		NeighborhoodSize: cfg.NeighborhoodSize,
		MaxIterations:    remaining,
		Workers:          cfg.Workers,
		MaxAttempts:      cfg.MaxAttempts,
	}, objective, rng)
	if err != nil {
		return nil, err
	}

	if opts.OnStart != nil {
		opts.OnStart(initialLL)
	}
	rec := newRecorder(opts, cfg.JobConfig(), initialLL, done)
	climber.OnRound(rec.round)

	res, runErr := climber.Run(ctx, start)
	if res == nil {
		return nil, runErr
	}
	if err := rec.finish(res); err != nil {
		slog.Error("Failed to persist final state", "job_id", opts.JobID, "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	out := &Outcome{
		Result:            res,
		InitialLikelihood: initialLL,
		Iterations:        done + res.Iterations,
	}
	out.CacheHits, out.CacheMisses, _ = engine.Stats()
	if runErr != nil {
		return out, runErr
	}

	if out.Expectation, err = engine.ExpectationMatrix(res.Tree, in.Observations, alpha, beta); err != nil {
		return out, err
	}
	out.UnsupportedLosses = reportLosses(opts.JobID, res.Tree, out.Expectation.UnsupportedLosses)

	if cfg.Calibrate {
		rates, err := calibrate.EstimateRates(res.Tree, in.Observations,
			opt.NewMayfly(CalibrationIterations, CalibrationPopulation, cfg.Seed), calibrate.DefaultBounds())
		if err != nil {
			return out, err
		}
		out.Rates = rates
	}

	slog.Info("Run complete",
		"job_id", opts.JobID,
		"initial_likelihood", initialLL,
		"likelihood", res.Likelihood,
		"iterations", out.Iterations,
		"cache_hits", out.CacheHits,
		"cache_misses", out.CacheMisses,
	)
	return out, nil
}

// reportLosses warns about every loss leaf without supporting cells and
// returns their names.
func reportLosses(jobID string, t *phylo.Tree, ids []int) []string {
	var names []string
	for _, id := range ids {
		n, ok := t.Node(id)
		if !ok {
			continue
		}
		slog.Warn("Loss without supporting cells", "job_id", jobID, "node", id, "name", n.Name)
		names = append(names, n.Name)
	}
	return names
}

// recorder turns round callbacks into trace entries and checkpoints. It runs
// on the climber goroutine, so the tree it checkpoints is never being edited.
type recorder struct {
	opts      Options
	job       store.JobConfig
	initialLL float64
	offset    int

	pending  []store.TraceEntry
	lastSave time.Time
}

func newRecorder(opts Options, job store.JobConfig, initialLL float64, offset int) *recorder {
	return &recorder{opts: opts, job: job, initialLL: initialLL, offset: offset, lastSave: time.Now()}
}

func (r *recorder) round(s climb.RoundStats) {
	s.Iteration += r.offset
	if r.opts.OnRound != nil {
		r.opts.OnRound(s)
	}
	if r.opts.Store == nil || r.opts.JobID == "" {
		return
	}

	r.pending = append(r.pending, store.TraceEntry{
		Iteration:   s.Iteration,
		Likelihood:  s.Likelihood,
		Improved:    s.Improved,
		Failed:      s.Failed,
		StaleRounds: s.StaleRounds,
		Timestamp:   time.Now(),
	})
	if r.opts.CheckpointInterval > 0 && time.Since(r.lastSave) >= r.opts.CheckpointInterval {
		if err := r.save(s.Best, s.Likelihood, s.Iteration); err != nil {
			slog.Error("Failed to save checkpoint", "job_id", r.opts.JobID, "error", err)
		}
	}
}

// save flushes pending trace entries and writes a checkpoint.
func (r *recorder) save(best *phylo.Tree, ll float64, iteration int) error {
	var errs []error
	if len(r.pending) > 0 {
		if err := r.opts.Store.AppendTrace(r.opts.JobID, r.pending); err != nil {
			errs = append(errs, err)
		} else {
			r.pending = r.pending[:0]
		}
	}
	cp := store.NewCheckpoint(r.opts.JobID, best, ll, r.initialLL, iteration, r.job)
	if err := r.opts.Store.SaveCheckpoint(r.opts.JobID, cp); err != nil {
		errs = append(errs, err)
	} else {
		slog.Info("Checkpoint saved", "job_id", r.opts.JobID, "iteration", iteration, "likelihood", ll)
	}
	r.lastSave = time.Now()
	return errors.Join(errs...)
}

func (r *recorder) finish(res *climb.Result) error {
	if r.opts.Store == nil || r.opts.JobID == "" {
		return nil
	}
	if err := r.save(res.Tree, res.Likelihood, r.offset+res.Iterations); err != nil {
		return err
	}
	return r.opts.Store.SaveArtifact(r.opts.JobID, ArtifactTree, []byte(res.Tree.DOT()))
}
