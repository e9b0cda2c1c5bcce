package phylo

import "fmt"

// PruneAndReattach moves the subtree rooted at prune under reattach, then removes
// loss nodes in the moved subtree that are no longer valid on their new lineage.
// It returns the ids removed by that repair.
//
// ErrRejected is returned, with the tree unchanged, when reattach is prune itself
// or one of its descendants, or when prune is the root.
func (t *Tree) PruneAndReattach(prune, reattach int) ([]int, error) {
	p, ok := t.nodes[prune]
	if !ok {
		return nil, fmt.Errorf("prune %d: %w", prune, ErrUnknownNode)
	}
	r, ok := t.nodes[reattach]
	if !ok {
		return nil, fmt.Errorf("reattach %d: %w", reattach, ErrUnknownNode)
	}
	if prune == reattach || p.Parent == NoParent || t.IsAncestorOf(prune, reattach) {
		return nil, ErrRejected
	}

	old := t.nodes[p.Parent]
	old.Children = removeChild(old.Children, prune)
	p.Parent = reattach
	r.Children = append(r.Children, prune)

	removed := t.repairLosses(prune)

	// the moved subtree root may itself have been spliced out
	if err := t.RecomputeProfiles(reattach); err != nil {
		return removed, err
	}
	return removed, nil
}

// repairLosses walks the subtree at id top-down and deletes every loss node
// without a valid placement. Children of a deleted node are spliced onto its
// parent and still visited.
func (t *Tree) repairLosses(id int) []int {
	var removed []int
	stack := []int{id}
	for len(stack) > 0 {
		n := t.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]

		children := append([]int(nil), n.Children...)
		if n.Loss && !t.lossPlacementValid(n) {
			t.deleteNode(n)
			removed = append(removed, n.ID)
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return removed
}

// lossPlacementValid reports whether the nearest strict ancestor carrying n's
// mutation is a gain. A nearer loss of the same mutation, or no ancestor at all,
// makes the placement invalid.
func (t *Tree) lossPlacementValid(n *Node) bool {
	for pid := n.Parent; pid != NoParent; {
		a := t.nodes[pid]
		if a.MutationID == n.MutationID {
			return !a.Loss
		}
		pid = a.Parent
	}
	return false
}

// deleteNode splices n out of the tree: its children move to n's parent, appended
// after n's remaining siblings.
func (t *Tree) deleteNode(n *Node) {
	parent := t.nodes[n.Parent]
	parent.Children = removeChild(parent.Children, n.ID)
	for _, c := range n.Children {
		t.nodes[c].Parent = parent.ID
		parent.Children = append(parent.Children, c)
	}
	n.Children = nil
	delete(t.nodes, n.ID)
}

// Validate checks the structural invariants: the arena holds exactly the nodes
// reachable from the root, each non-root node appears once in its parent's
// children, profiles follow from parents, and every loss is validly placed.
func (t *Tree) Validate() error {
	root, ok := t.nodes[t.root]
	if !ok {
		return fmt.Errorf("root %d missing", t.root)
	}
	if root.Parent != NoParent {
		return fmt.Errorf("root %d has parent %d", root.ID, root.Parent)
	}
	for m, v := range root.Profile {
		if v != 0 {
			return fmt.Errorf("root profile[%d] = %d, want 0", m, v)
		}
	}

	seen := make(map[int]bool, len(t.nodes))
	stack := []int{t.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			return fmt.Errorf("node %d reached twice", id)
		}
		seen[id] = true

		n, ok := t.nodes[id]
		if !ok {
			return fmt.Errorf("child %d not in node map", id)
		}
		for _, c := range n.Children {
			child, ok := t.nodes[c]
			if !ok {
				return fmt.Errorf("child %d of %d not in node map", c, id)
			}
			if child.Parent != id {
				return fmt.Errorf("node %d listed under %d but has parent %d", c, id, child.Parent)
			}
			stack = append(stack, c)
		}
		if id == t.root {
			continue
		}

		parent := t.nodes[n.Parent]
		if len(n.Profile) != t.mutations {
			return fmt.Errorf("node %d profile length %d, want %d", id, len(n.Profile), t.mutations)
		}
		for m := range n.Profile {
			want := parent.Profile[m]
			if m == n.MutationID {
				if n.Loss {
					want--
				} else {
					want++
				}
			}
			if n.Profile[m] != want {
				return fmt.Errorf("node %d profile[%d] = %d, want %d", id, m, n.Profile[m], want)
			}
		}
		if n.Loss && !t.lossPlacementValid(n) {
			return fmt.Errorf("loss node %d (%s) has no valid ancestor gain", id, n.Name)
		}
	}

	if len(seen) != len(t.nodes) {
		return fmt.Errorf("node map holds %d nodes, %d reachable from root", len(t.nodes), len(seen))
	}
	return nil
}
