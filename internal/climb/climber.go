package climb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/gppshc/internal/phylo"
)

// Objective scores a tree; higher is better. It must be safe for concurrent
// use when Config.Workers > 1.
type Objective func(*phylo.Tree) float64

// Config controls one hill-climbing run.
type Config struct {
	NeighborhoodSize int
	MaxIterations    int
	// Workers scores neighbours concurrently when above 1.
	Workers int
	// MaxAttempts caps random draws per neighbour; 0 means DefaultMaxAttempts.
	MaxAttempts int
}

// Validate checks that the run is well defined.
func (c Config) Validate() error {
	if c.NeighborhoodSize <= 0 {
		return fmt.Errorf("neighborhood size must be positive, got %d", c.NeighborhoodSize)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max iterations cannot be negative, got %d", c.MaxIterations)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", c.Workers)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts cannot be negative, got %d", c.MaxAttempts)
	}
	return nil
}

// RoundStats is reported after every round.
type RoundStats struct {
	Iteration      int // rounds completed, starting at 1
	Likelihood     float64
	RoundBest      float64 // best neighbour score, -Inf if the round failed
	Improved       bool
	Failed         bool
	StaleRounds    int
	Best           *phylo.Tree // current best; callers must not modify it
	NeighborsTried int
}

// Result is the outcome of a run.
type Result struct {
	Tree              *phylo.Tree
	InitialLikelihood float64
	Likelihood        float64
	Iterations        int
	Improvements      int
	FailedRounds      int
	LongestStall      int
	History           []float64
}

// Climber is a steepest-ascent hill climber over a random neighbourhood. It only
// ever moves to a strictly better tree and always spends its full budget.
type Climber struct {
	cfg       Config
	objective Objective
	gen       *Generator
	onRound   func(RoundStats)
}

// New creates a climber. rng drives neighbour generation.
func New(cfg Config, objective Objective, rng *rand.Rand) (*Climber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if objective == nil {
		return nil, errors.New("objective cannot be nil")
	}
	if rng == nil {
		return nil, errors.New("random source cannot be nil")
	}
	return &Climber{
		cfg:       cfg,
		objective: objective,
		gen:       NewGenerator(rng, cfg.MaxAttempts),
	}, nil
}

// OnRound registers a callback invoked synchronously after each round.
func (c *Climber) OnRound(fn func(RoundStats)) {
	c.onRound = fn
}

// Run climbs from start for Config.MaxIterations rounds and returns the best
// tree found. start is not modified. If ctx is cancelled between rounds the best
// result so far is returned together with the context error.
func (c *Climber) Run(ctx context.Context, start *phylo.Tree) (*Result, error) {
	current := start
	currentLL := c.objective(start)
	tracker := NewStallTracker(currentLL)

	slog.Info("Starting hill climbing",
		"likelihood", currentLL,
		"nodes", start.Len(),
		"neighborhood_size", c.cfg.NeighborhoodSize,
		"max_iterations", c.cfg.MaxIterations,
	)

	res := &Result{InitialLikelihood: currentLL}
	finish := func() *Result {
		res.Tree = current
		res.Likelihood = currentLL
		res.LongestStall = tracker.LongestStall()
		res.History = tracker.History()
		return res
	}

	for it := 1; it <= c.cfg.MaxIterations; it++ {
		if err := ctx.Err(); err != nil {
			slog.Info("Hill climbing cancelled", "iteration", it-1, "likelihood", currentLL)
			return finish(), err
		}
		roundStart := time.Now()
		slog.Debug("Current iteration", "iteration", it)

		stats := RoundStats{Iteration: it, RoundBest: math.Inf(-1)}

		neighbors, err := c.gen.Neighborhood(current, c.cfg.NeighborhoodSize)
		switch {
		case errors.Is(err, ErrNoValidNeighbor):
			slog.Warn("Skipping round without a full neighborhood", "iteration", it, "error", err)
			stats.Failed = true
			res.FailedRounds++
			failedRoundsTotal.Inc()
		case err != nil:
			return finish(), err
		default:
			scores, err := c.score(ctx, neighbors)
			if err != nil {
				return finish(), err
			}
			next := -1
			for i, s := range scores {
				if s > stats.RoundBest {
					stats.RoundBest = s
					next = i
				}
			}
			stats.NeighborsTried = len(neighbors)

			if next >= 0 && stats.RoundBest > currentLL {
				current = neighbors[next].Tree
				currentLL = stats.RoundBest
				stats.Improved = true
				res.Improvements++
				improvementsTotal.Inc()
				slog.Info("Found a better tree", "iteration", it, "likelihood", currentLL)
			}
		}

		tracker.Update(currentLL)
		res.Iterations = it
		roundsTotal.Inc()
		roundDuration.Observe(time.Since(roundStart).Seconds())

		if c.onRound != nil {
			stats.Likelihood = currentLL
			stats.StaleRounds = tracker.StaleCount()
			stats.Best = current
			c.onRound(stats)
		}
	}

	slog.Info("Hill climbing complete",
		"initial_likelihood", res.InitialLikelihood,
		"likelihood", currentLL,
		"improvements", res.Improvements,
		"failed_rounds", res.FailedRounds,
		"rejected_edits", c.gen.Rejected(),
	)
	return finish(), nil
}

// score evaluates every neighbour. Each neighbour owns its tree, so workers only
// share the objective.
func (c *Climber) score(ctx context.Context, neighbors []Neighbor) ([]float64, error) {
	scores := make([]float64, len(neighbors))
	if c.cfg.Workers <= 1 {
		for i, n := range neighbors {
			scores[i] = c.objective(n.Tree)
		}
		return scores, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, n := range neighbors {
		i, n := i, n
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			scores[i] = c.objective(n.Tree)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}
