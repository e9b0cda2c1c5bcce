package likelihood

import (
	"fmt"
	"math"

	"github.com/cwbudde/gppshc/internal/phylo"
)

type scoredNode struct {
	id  int
	key string
}

// candidates lists nodes in ascending id order, dropping nodes whose genotype
// symbol string repeats an earlier node's: they can never strictly improve on it.
func candidates(t *phylo.Tree) []scoredNode {
	ids := t.IDs()
	seen := make(map[string]bool, len(ids))
	out := make([]scoredNode, 0, len(ids))
	for _, id := range ids {
		n, _ := t.Node(id)
		key := genotypeKey(n.Profile)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, scoredNode{id: id, key: key})
	}
	return out
}

// TreeLikelihood attaches every cell to the node whose genotype explains it best
// and returns the summed log-likelihood with the per-cell attachment. Nodes are
// scanned in ascending id order and only a strict improvement replaces the
// current best, so ties go to the lowest id.
func (e *Engine) TreeLikelihood(t *phylo.Tree, m *Matrix, alpha, beta float64) (float64, []int, error) {
	if t.Mutations() != m.Width() {
		return math.Inf(-1), nil, fmt.Errorf("tree has %d mutations, matrix has %d columns", t.Mutations(), m.Width())
	}
	treeEvaluations.Inc()

	nodes := candidates(t)
	attachment := make([]int, m.Cells())
	var total float64
	for i, row := range m.keys {
		best := math.Inf(-1)
		bestNode := nodes[0].id
		for _, n := range nodes {
			if lh := e.lookup(row, n.key, alpha, beta); lh > best {
				best = lh
				bestNode = n.id
			}
		}
		total += best
		attachment[i] = bestNode
	}
	return total, attachment, nil
}

// Objective binds a matrix and error rates into a tree scoring function. Trees
// that do not fit the matrix score -Inf.
func (e *Engine) Objective(m *Matrix, alpha, beta float64) func(*phylo.Tree) float64 {
	return func(t *phylo.Tree) float64 {
		ll, _, err := e.TreeLikelihood(t, m, alpha, beta)
		if err != nil {
			return math.Inf(-1)
		}
		return ll
	}
}

// Expectation is the reporting view of a scored tree.
type Expectation struct {
	Likelihood float64
	Attachment []int
	// Rows holds the genotype profile of each cell's attachment node.
	Rows [][]int
	// UnsupportedLosses lists loss leaves no cell attached to, in ascending id order.
	UnsupportedLosses []int
}

// ExpectationMatrix scores t and derives each cell's expected genotype.
func (e *Engine) ExpectationMatrix(t *phylo.Tree, m *Matrix, alpha, beta float64) (*Expectation, error) {
	ll, attachment, err := e.TreeLikelihood(t, m, alpha, beta)
	if err != nil {
		return nil, err
	}

	used := make(map[int]bool, len(attachment))
	rows := make([][]int, len(attachment))
	for i, id := range attachment {
		used[id] = true
		n, _ := t.Node(id)
		rows[i] = append([]int(nil), n.Profile...)
	}

	var unsupported []int
	for _, id := range t.IDs() {
		n, _ := t.Node(id)
		if n.Loss && len(n.Children) == 0 && !used[id] {
			unsupported = append(unsupported, id)
		}
	}

	return &Expectation{
		Likelihood:        ll,
		Attachment:        attachment,
		Rows:              rows,
		UnsupportedLosses: unsupported,
	}, nil
}
