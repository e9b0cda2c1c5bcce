package phylo

import (
	"errors"
	"fmt"
	"sort"
)

// NoParent is the parent id of the root.
const NoParent = -1

// RootID is the id given to the germline node by NewTree.
const RootID = 0

// RootName labels the germline node.
const RootName = "germline"

// LossMarker is appended to a mutation name to label its loss nodes.
const LossMarker = "---"

var (
	// ErrUnknownNode is returned when an id is not part of the tree.
	ErrUnknownNode = errors.New("unknown node")

	// ErrRejected is returned by PruneAndReattach when the edit would create a cycle.
	// The tree is left unchanged.
	ErrRejected = errors.New("edit rejected")
)

// Node is one mutation event in the tree. Parent and children are stored as ids;
// the owning Tree resolves them.
type Node struct {
	ID         int
	Name       string
	MutationID int // -1 only for the root
	Loss       bool
	Parent     int
	Children   []int
	Profile    []int // cumulative copy count per mutation along the root path
}

// Tree is an arena of nodes addressed by id. The arena holds exactly the nodes
// reachable from the root.
type Tree struct {
	nodes     map[int]*Node
	root      int
	mutations int
}

// NewTree creates a tree holding only the germline root with an all-zero profile
// of length totalMutations.
func NewTree(totalMutations int) *Tree {
	root := &Node{
		ID:         RootID,
		Name:       RootName,
		MutationID: -1,
		Parent:     NoParent,
		Profile:    make([]int, totalMutations),
	}
	return &Tree{
		nodes:     map[int]*Node{RootID: root},
		root:      RootID,
		mutations: totalMutations,
	}
}

// Root returns the germline node.
func (t *Tree) Root() *Node {
	return t.nodes[t.root]
}

// Mutations returns the length of every genotype profile.
func (t *Tree) Mutations() int {
	return t.mutations
}

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Node looks up a node by id.
func (t *Tree) Node(id int) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// IDs returns every node id in ascending order.
func (t *Tree) IDs() []int {
	ids := make([]int, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// AddChild appends a new node under parentID. Its profile is derived from the
// parent's: +1 at mutationID for a gain, -1 for a loss.
func (t *Tree) AddChild(parentID, id int, name string, mutationID int, loss bool) (*Node, error) {
	parent, ok := t.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("parent %d: %w", parentID, ErrUnknownNode)
	}
	if _, dup := t.nodes[id]; dup {
		return nil, fmt.Errorf("node id %d already in tree", id)
	}
	if mutationID < 0 || mutationID >= t.mutations {
		return nil, fmt.Errorf("mutation id %d out of range [0,%d)", mutationID, t.mutations)
	}

	n := &Node{
		ID:         id,
		Name:       name,
		MutationID: mutationID,
		Loss:       loss,
		Parent:     parentID,
	}
	n.Profile = deriveProfile(parent.Profile, mutationID, loss)
	parent.Children = append(parent.Children, id)
	t.nodes[id] = n
	return n, nil
}

func deriveProfile(parent []int, mutationID int, loss bool) []int {
	p := make([]int, len(parent))
	copy(p, parent)
	if loss {
		p[mutationID]--
	} else {
		p[mutationID]++
	}
	return p
}

// RecomputeProfiles rebuilds the profiles of the subtree rooted at id from its
// parent's profile, ancestors before descendants.
func (t *Tree) RecomputeProfiles(id int) error {
	if _, ok := t.nodes[id]; !ok {
		return fmt.Errorf("recompute %d: %w", id, ErrUnknownNode)
	}

	queue := []int{id}
	for len(queue) > 0 {
		n := t.nodes[queue[0]]
		queue = queue[1:]

		if n.Parent == NoParent {
			n.Profile = make([]int, t.mutations)
		} else {
			n.Profile = deriveProfile(t.nodes[n.Parent].Profile, n.MutationID, n.Loss)
		}
		queue = append(queue, n.Children...)
	}
	return nil
}

// IsAncestorOf reports whether a lies on the parent chain of b.
func (t *Tree) IsAncestorOf(a, b int) bool {
	n, ok := t.nodes[b]
	if !ok {
		return false
	}
	for n.Parent != NoParent {
		if n.Parent == a {
			return true
		}
		n = t.nodes[n.Parent]
	}
	return false
}

// Clone returns a deep copy. Ids, names, loss flags and child order are kept;
// profiles are recomputed from the copy's root.
func (t *Tree) Clone() *Tree {
	cp := &Tree{
		nodes:     make(map[int]*Node, len(t.nodes)),
		root:      t.root,
		mutations: t.mutations,
	}
	for id, n := range t.nodes {
		c := &Node{
			ID:         n.ID,
			Name:       n.Name,
			MutationID: n.MutationID,
			Loss:       n.Loss,
			Parent:     n.Parent,
			Children:   append([]int(nil), n.Children...),
		}
		cp.nodes[id] = c
	}
	// root is always present
	_ = cp.RecomputeProfiles(cp.root)
	return cp
}

// Walk visits the subtree rooted at id in depth-first pre-order, children in
// stored order. It stops early when fn returns false.
func (t *Tree) Walk(id int, fn func(*Node) bool) {
	if _, ok := t.nodes[id]; !ok {
		return
	}
	stack := []int{id}
	for len(stack) > 0 {
		n := t.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		if !fn(n) {
			return
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
}

func removeChild(children []int, id int) []int {
	for i, c := range children {
		if c == id {
			return append(children[:i], children[i+1:]...)
		}
	}
	return children
}
