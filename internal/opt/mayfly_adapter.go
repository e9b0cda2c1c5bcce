package opt

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// minPopulation is the smallest swarm mayfly v0.1.0 accepts.
const minPopulation = 20

// MayflyAdapter runs the external Mayfly swarm optimizer.
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a Mayfly optimizer. Population sizes below the library
// minimum are raised to it.
func NewMayfly(maxIters, popSize int, seed int64) *MayflyAdapter {
	if popSize < minPopulation {
		popSize = minPopulation
	}
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// Minimize runs Mayfly on the unit cube and maps positions onto the per-dimension
// bounds, since the library only takes scalar bounds.
func (m *MayflyAdapter) Minimize(eval func([]float64) float64, lower, upper []float64) ([]float64, float64, error) {
	if len(lower) == 0 || len(lower) != len(upper) {
		return nil, 0, fmt.Errorf("bounds must be non-empty and of equal length (got %d and %d)", len(lower), len(upper))
	}
	for i := range lower {
		if lower[i] > upper[i] {
			return nil, 0, fmt.Errorf("dimension %d: lower bound %g above upper bound %g", i, lower[i], upper[i])
		}
	}

	scale := func(unit []float64) []float64 {
		x := make([]float64, len(unit))
		for i, u := range unit {
			if u < 0 {
				u = 0
			} else if u > 1 {
				u = 1
			}
			x[i] = lower[i] + u*(upper[i]-lower[i])
		}
		return x
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(unit []float64) float64 { return eval(scale(unit)) }
	config.ProblemSize = len(lower)
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly optimization failed: %w", err)
	}

	best := scale(result.GlobalBest.Position)
	return best, result.GlobalBest.Cost, nil
}
