package phylo

import "fmt"

// NodeRecord is the persisted form of a node. Profiles are not stored; they
// are recomputed on restore.
type NodeRecord struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	MutationID int    `json:"mutationId"`
	Loss       bool   `json:"loss,omitempty"`
	Parent     int    `json:"parent"`
}

// Snapshot is a serializable copy of a tree. Nodes are listed in pre-order so
// that restoring them in sequence preserves child order.
type Snapshot struct {
	Mutations int          `json:"mutations"`
	Root      int          `json:"root"`
	Nodes     []NodeRecord `json:"nodes"`
}

// Snapshot captures the tree structure.
func (t *Tree) Snapshot() Snapshot {
	s := Snapshot{Mutations: t.mutations, Root: t.root}
	t.Walk(t.root, func(n *Node) bool {
		s.Nodes = append(s.Nodes, NodeRecord{
			ID:         n.ID,
			Name:       n.Name,
			MutationID: n.MutationID,
			Loss:       n.Loss,
			Parent:     n.Parent,
		})
		return true
	})
	return s
}

// FromSnapshot rebuilds a tree and validates it.
func FromSnapshot(s Snapshot) (*Tree, error) {
	if s.Mutations < 0 {
		return nil, fmt.Errorf("snapshot: negative mutation count %d", s.Mutations)
	}
	t := NewTree(s.Mutations)
	if s.Root != RootID {
		root := t.nodes[RootID]
		delete(t.nodes, RootID)
		root.ID = s.Root
		t.nodes[s.Root] = root
		t.root = s.Root
	}

	for i, rec := range s.Nodes {
		if rec.ID == s.Root {
			if rec.Name != "" {
				t.nodes[s.Root].Name = rec.Name
			}
			continue
		}
		if _, err := t.AddChild(rec.Parent, rec.ID, rec.Name, rec.MutationID, rec.Loss); err != nil {
			return nil, fmt.Errorf("snapshot node %d (index %d): %w", rec.ID, i, err)
		}
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return t, nil
}
