package calibrate

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/gppshc/internal/likelihood"
	"github.com/cwbudde/gppshc/internal/opt"
	"github.com/cwbudde/gppshc/internal/phylo"
)

// Default search box for both error rates.
const (
	DefaultMinRate = 1e-4
	DefaultMaxRate = 0.5
)

// Rates is an error-rate estimate for a fixed tree.
type Rates struct {
	Alpha      float64 `yaml:"falseNegative" json:"falseNegative"`
	Beta       float64 `yaml:"falsePositive" json:"falsePositive"`
	Likelihood float64 `yaml:"likelihood" json:"likelihood"`
}

// Bounds limits the search for each rate.
type Bounds struct {
	MinAlpha, MaxAlpha float64
	MinBeta, MaxBeta   float64
}

// DefaultBounds searches both rates in [DefaultMinRate, DefaultMaxRate].
func DefaultBounds() Bounds {
	return Bounds{
		MinAlpha: DefaultMinRate, MaxAlpha: DefaultMaxRate,
		MinBeta: DefaultMinRate, MaxBeta: DefaultMaxRate,
	}
}

func (b Bounds) validate() error {
	for _, r := range []float64{b.MinAlpha, b.MaxAlpha, b.MinBeta, b.MaxBeta} {
		if r <= 0 || r >= 1 {
			return fmt.Errorf("rate bound %g outside (0,1)", r)
		}
	}
	if b.MinAlpha > b.MaxAlpha || b.MinBeta > b.MaxBeta {
		return fmt.Errorf("inverted rate bounds %+v", b)
	}
	return nil
}

// EstimateRates finds the false-negative (alpha) and false-positive (beta) rates
// that maximize the greedy likelihood of tree t. The tree is not modified.
func EstimateRates(t *phylo.Tree, m *likelihood.Matrix, optimizer opt.Optimizer, bounds Bounds) (*Rates, error) {
	if err := bounds.validate(); err != nil {
		return nil, err
	}
	if t.Mutations() != m.Width() {
		return nil, fmt.Errorf("tree has %d mutations, matrix has %d columns", t.Mutations(), m.Width())
	}

	// every evaluation uses new rates, so cached entries would never be reused
	cost := func(x []float64) float64 {
		ll, _, err := likelihood.NewEngine().TreeLikelihood(t, m, x[0], x[1])
		if err != nil || math.IsInf(ll, -1) || math.IsNaN(ll) {
			return math.MaxFloat64
		}
		return -ll
	}

	best, _, err := optimizer.Minimize(cost,
		[]float64{bounds.MinAlpha, bounds.MinBeta},
		[]float64{bounds.MaxAlpha, bounds.MaxBeta},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate error rates: %w", err)
	}

	ll, _, err := likelihood.NewEngine().TreeLikelihood(t, m, best[0], best[1])
	if err != nil {
		return nil, err
	}

	slog.Info("Estimated error rates", "alpha", best[0], "beta", best[1], "likelihood", ll)
	return &Rates{Alpha: best[0], Beta: best[1], Likelihood: ll}, nil
}
