package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gppshc_jobs_created_total",
		Help: "Jobs submitted through the API",
	})

	jobsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gppshc_jobs_throttled_total",
		Help: "Job submissions rejected by the submission rate limit",
	})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gppshc_jobs_finished_total",
		Help: "Jobs that stopped, by final state",
	}, []string{"state"})
)
