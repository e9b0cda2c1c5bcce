package opt

// Optimizer minimizes a continuous objective within box bounds.
type Optimizer interface {
	// Minimize searches [lower[i], upper[i]] in every dimension and returns the
	// best point found with its cost.
	Minimize(eval func([]float64) float64, lower, upper []float64) ([]float64, float64, error)
}
