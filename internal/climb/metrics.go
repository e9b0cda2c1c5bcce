package climb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gppshc_climb_rounds_total",
		Help: "Completed hill-climbing rounds",
	})

	improvementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gppshc_climb_improvements_total",
		Help: "Rounds that replaced the best tree",
	})

	failedRoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gppshc_climb_failed_rounds_total",
		Help: "Rounds skipped because no valid neighbour was found",
	})

	rejectedEdits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gppshc_climb_rejected_edits_total",
		Help: "Random prune-and-reattach draws refused while building neighbourhoods",
	})

	roundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gppshc_climb_round_duration_seconds",
		Help:    "Wall time of one hill-climbing round",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	})
)
