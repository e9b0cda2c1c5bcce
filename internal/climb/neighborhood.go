package climb

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/cwbudde/gppshc/internal/phylo"
)

// DefaultMaxAttempts caps the random draws spent on one neighbour.
const DefaultMaxAttempts = 10000

// ErrNoValidNeighbor is returned when no accepted edit was found within the
// attempt cap, e.g. on a tree with fewer than three nodes.
var ErrNoValidNeighbor = errors.New("no valid neighbor")

// Neighbor is one candidate tree produced by a single prune-and-reattach edit.
type Neighbor struct {
	Tree     *phylo.Tree
	Prune    int
	Reattach int
	Removed  []int // loss nodes deleted by the repair pass
}

// Generator draws neighbours of a tree. Its random stream is injected so runs
// are reproducible.
type Generator struct {
	rng         *rand.Rand
	maxAttempts int

	rejected int // draws refused since construction
}

// NewGenerator creates a generator. maxAttempts <= 0 selects DefaultMaxAttempts.
func NewGenerator(rng *rand.Rand, maxAttempts int) *Generator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Generator{rng: rng, maxAttempts: maxAttempts}
}

// Rejected returns the number of refused draws so far.
func (g *Generator) Rejected() int {
	return g.rejected
}

// Neighborhood returns exactly size neighbours of t. Each one is a clone of t
// with one accepted edit between two distinct random nodes; refused draws are
// discarded and redrawn. t itself is never modified.
func (g *Generator) Neighborhood(t *phylo.Tree, size int) ([]Neighbor, error) {
	neighbors := make([]Neighbor, 0, size)
	for len(neighbors) < size {
		n, err := g.neighbor(t)
		if err != nil {
			return neighbors, fmt.Errorf("neighbor %d of %d: %w", len(neighbors)+1, size, err)
		}
		neighbors = append(neighbors, n)
	}
	return neighbors, nil
}

func (g *Generator) neighbor(t *phylo.Tree) (Neighbor, error) {
	ids := t.IDs()
	if len(ids) < 2 {
		return Neighbor{}, fmt.Errorf("%w: tree has %d node(s)", ErrNoValidNeighbor, len(ids))
	}

	root := t.Root().ID
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		p := g.rng.Intn(len(ids))
		// second draw skips p so the pair is always distinct
		r := g.rng.Intn(len(ids) - 1)
		if r >= p {
			r++
		}
		prune, reattach := ids[p], ids[r]

		// the clone would refuse the same edit; skip the copy
		if prune == root || t.IsAncestorOf(prune, reattach) {
			g.rejected++
			rejectedEdits.Inc()
			continue
		}

		cp := t.Clone()
		removed, err := cp.PruneAndReattach(prune, reattach)
		if err == nil {
			err = cp.Validate()
		}
		if err != nil {
			g.rejected++
			rejectedEdits.Inc()
			continue
		}
		return Neighbor{Tree: cp, Prune: prune, Reattach: reattach, Removed: removed}, nil
	}
	return Neighbor{}, fmt.Errorf("%w after %d attempts", ErrNoValidNeighbor, g.maxAttempts)
}
