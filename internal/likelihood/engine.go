package likelihood

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cwbudde/gppshc/internal/dataset"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gppshc_likelihood_cache_lookups_total",
		Help: "Cell/genotype likelihood lookups by cache result",
	}, []string{"result"})
	cacheHits   = cacheLookups.WithLabelValues("hit")
	cacheMisses = cacheLookups.WithLabelValues("miss")

	treeEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gppshc_tree_evaluations_total",
		Help: "Total greedy tree likelihood evaluations",
	})
)

// Genotype and observation symbols used in cache keys.
const (
	symAbsent    = '0'
	symPresent   = '1'
	symMissing   = '2'
	symUndefined = 'x'
)

type cacheKey struct {
	row      string
	genotype string
	alpha    float64
	beta     float64
}

// Engine scores trees against an observation matrix. It memoizes every
// (row, genotype, alpha, beta) likelihood for its lifetime and is safe for
// concurrent use.
type Engine struct {
	mu    sync.RWMutex
	cache map[cacheKey]float64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewEngine creates an engine with an empty cache.
func NewEngine() *Engine {
	return &Engine{cache: make(map[cacheKey]float64)}
}

// Stats reports cache hits, misses and the number of cached entries.
func (e *Engine) Stats() (hits, misses uint64, size int) {
	e.mu.RLock()
	size = len(e.cache)
	e.mu.RUnlock()
	return e.hits.Load(), e.misses.Load(), size
}

// CellRowLikelihood is the log-likelihood of one observed row given a node
// genotype, where alpha is the false-negative and beta the false-positive rate.
func (e *Engine) CellRowLikelihood(observed, genotype []int, alpha, beta float64) float64 {
	return e.lookup(observationKey(observed), genotypeKey(genotype), alpha, beta)
}

func (e *Engine) lookup(row, genotype string, alpha, beta float64) float64 {
	key := cacheKey{row: row, genotype: genotype, alpha: alpha, beta: beta}

	e.mu.RLock()
	v, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		e.hits.Add(1)
		cacheHits.Inc()
		return v
	}

	v = rowLogLikelihood(row, genotype, alpha, beta)

	e.mu.Lock()
	e.cache[key] = v
	e.mu.Unlock()
	e.misses.Add(1)
	cacheMisses.Inc()
	return v
}

// rowLogLikelihood sums the per-position error model terms. Missing observations
// contribute nothing; any undefined pairing yields -Inf.
func rowLogLikelihood(row, genotype string, alpha, beta float64) float64 {
	if len(row) != len(genotype) {
		return math.Inf(-1)
	}
	var (
		logAlpha    = math.Log(alpha)
		logNotAlpha = math.Log(1 - alpha)
		logBeta     = math.Log(beta)
		logNotBeta  = math.Log(1 - beta)
	)

	var ll float64
	for j := 0; j < len(row); j++ {
		switch row[j] {
		case symAbsent:
			switch genotype[j] {
			case symAbsent:
				ll += logNotBeta
			case symPresent:
				ll += logAlpha
			default:
				return math.Inf(-1)
			}
		case symPresent:
			switch genotype[j] {
			case symAbsent:
				ll += logBeta
			case symPresent:
				ll += logNotAlpha
			default:
				return math.Inf(-1)
			}
		case symMissing:
		default:
			return math.Inf(-1)
		}
	}
	return ll
}

func observationKey(row []int) string {
	b := make([]byte, len(row))
	for j, v := range row {
		switch v {
		case dataset.Absent:
			b[j] = symAbsent
		case dataset.Present:
			b[j] = symPresent
		case dataset.Missing:
			b[j] = symMissing
		default:
			b[j] = symUndefined
		}
	}
	return string(b)
}

// genotypeKey maps copy counts to symbols: zero is absent, positive present.
func genotypeKey(profile []int) string {
	b := make([]byte, len(profile))
	for j, v := range profile {
		switch {
		case v == 0:
			b[j] = symAbsent
		case v > 0:
			b[j] = symPresent
		default:
			b[j] = symUndefined
		}
	}
	return string(b)
}

// Matrix is an observation matrix with its row keys precomputed.
type Matrix struct {
	rows  [][]int
	keys  []string
	width int
}

// NewMatrix validates observation rows and prepares them for scoring.
func NewMatrix(rows [][]int) (*Matrix, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no cells", dataset.ErrMalformed)
	}
	if err := dataset.CheckObservations(rows); err != nil {
		return nil, err
	}
	m := &Matrix{rows: rows, keys: make([]string, len(rows)), width: len(rows[0])}
	for i, row := range rows {
		if len(row) != m.width {
			return nil, fmt.Errorf("%w: cell %d has %d entries, want %d", dataset.ErrMalformed, i, len(row), m.width)
		}
		m.keys[i] = observationKey(row)
	}
	return m, nil
}

// Cells returns the number of rows.
func (m *Matrix) Cells() int { return len(m.rows) }

// Width returns the number of mutations per row.
func (m *Matrix) Width() int { return m.width }
