package phylo

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedTree is returned when a character matrix does not describe a tree.
var ErrMalformedTree = errors.New("malformed tree matrix")

// ExpandNames lists the column labels of a Dollo-k character matrix: for each
// mutation its gain column followed by k loss columns. ids holds the mutation
// index of each column.
func ExpandNames(mutations []string, k int) (names []string, ids []int, losses []bool) {
	for m, name := range mutations {
		names = append(names, name)
		ids = append(ids, m)
		losses = append(losses, false)
		for i := 0; i < k; i++ {
			names = append(names, name+LossMarker)
			ids = append(ids, m)
			losses = append(losses, true)
		}
	}
	return names, ids, losses
}

// BuildFromILP builds the tree encoded by a binary cell x column matrix whose
// columns follow ExpandNames(mutations, k). Column j becomes node j+1 under the
// column with the smallest strict superset of its cells, or under the germline.
// Identical columns chain in column order and empty columns are skipped.
func BuildFromILP(matrix [][]int, mutations []string, k int) (*Tree, error) {
	if k < 0 {
		return nil, fmt.Errorf("negative dollo bound %d", k)
	}
	names, mutIDs, losses := ExpandNames(mutations, k)
	cols := len(names)

	sets := make([][]bool, cols)
	counts := make([]int, cols)
	for j := range sets {
		sets[j] = make([]bool, len(matrix))
	}
	for i, row := range matrix {
		if len(row) != cols {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrMalformedTree, i, len(row), cols)
		}
		for j, v := range row {
			switch v {
			case 0:
			case 1:
				sets[j][i] = true
				counts[j]++
			default:
				return nil, fmt.Errorf("%w: row %d column %d has value %d", ErrMalformedTree, i, j, v)
			}
		}
	}

	var order []int
	for j := 0; j < cols; j++ {
		if counts[j] > 0 {
			order = append(order, j)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return counts[order[a]] > counts[order[b]]
	})

	parent := make(map[int]int, len(order))
	for pos, c := range order {
		parent[c] = -1
		for _, d := range order[:pos] {
			switch relation(sets[d], sets[c]) {
			case contains:
				parent[c] = d
			case overlaps:
				return nil, fmt.Errorf("%w: columns %s and %s conflict", ErrMalformedTree, names[d], names[c])
			}
		}
	}

	t := NewTree(len(mutations))
	for _, c := range order {
		pid := RootID
		if parent[c] >= 0 {
			pid = parent[c] + 1
		}
		if _, err := t.AddChild(pid, c+1, names[c], mutIDs[c], losses[c]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedTree, err)
		}
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTree, err)
	}
	return t, nil
}

type setRelation int

const (
	disjoint setRelation = iota
	contains
	overlaps
)

// relation classifies a against b, where a was placed first and so is at least
// as large as b.
func relation(a, b []bool) setRelation {
	shared, onlyB := false, false
	for i := range a {
		switch {
		case a[i] && b[i]:
			shared = true
		case b[i]:
			onlyB = true
		}
	}
	switch {
	case !shared:
		return disjoint
	case !onlyB:
		return contains
	default:
		return overlaps
	}
}
