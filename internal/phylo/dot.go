package phylo

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// WriteDOT writes the tree as a Graphviz digraph: one label statement per node
// and one edge statement per parent-child pair, in pre-order. Loss nodes are
// filled red and labelled without the loss marker.
func (t *Tree) WriteDOT(w io.Writer) error {
	bw := bufio.NewWriter(w)
	root := t.Root()

	fmt.Fprintln(bw, "digraph phylogeny {")
	fmt.Fprintf(bw, "\t\"%d\" [label=\"%s\"];\n", root.ID, root.Name)
	t.Walk(root.ID, func(n *Node) bool {
		if n.Parent == NoParent {
			return true
		}
		fmt.Fprintf(bw, "\t\"%d\" -> \"%d\";\n", n.Parent, n.ID)
		if n.Loss {
			fmt.Fprintf(bw, "\t\"%d\" [color=indianred1, style=filled, label=\"%s\"];\n",
				n.ID, strings.TrimSuffix(n.Name, LossMarker))
		} else {
			fmt.Fprintf(bw, "\t\"%d\" [label=\"%s\"];\n", n.ID, n.Name)
		}
		return true
	})
	fmt.Fprintln(bw, "}")

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write dot: %w", err)
	}
	return nil
}

// DOT returns the WriteDOT output as a string.
func (t *Tree) DOT() string {
	var sb strings.Builder
	_ = t.WriteDOT(&sb)
	return sb.String()
}
