package climb

import "log/slog"

// StallTracker records the best likelihood per round and counts rounds since
// the last strict improvement. It only reports; the climber never stops early.
type StallTracker struct {
	history    []float64
	best       float64
	staleCount int
	longest    int
}

// NewStallTracker creates a tracker seeded with the starting likelihood.
func NewStallTracker(start float64) *StallTracker {
	return &StallTracker{
		history: []float64{start},
		best:    start,
	}
}

// Update records the best likelihood after a round and reports whether it
// improved on every earlier round.
func (s *StallTracker) Update(likelihood float64) bool {
	s.history = append(s.history, likelihood)

	if likelihood > s.best {
		s.best = likelihood
		s.staleCount = 0
		return true
	}

	s.staleCount++
	if s.staleCount > s.longest {
		s.longest = s.staleCount
	}
	slog.Debug("No likelihood improvement",
		"likelihood", likelihood,
		"best", s.best,
		"stale_rounds", s.staleCount,
	)
	return false
}

// Best returns the best likelihood seen so far.
func (s *StallTracker) Best() float64 {
	return s.best
}

// StaleCount returns the rounds since the last improvement.
func (s *StallTracker) StaleCount() int {
	return s.staleCount
}

// LongestStall returns the longest run of rounds without improvement.
func (s *StallTracker) LongestStall() int {
	return s.longest
}

// History returns the recorded likelihoods, starting value first.
func (s *StallTracker) History() []float64 {
	return append([]float64{}, s.history...)
}
