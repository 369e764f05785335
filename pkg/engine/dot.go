package engine

import (
	"fmt"
	"strings"
)

// ToDOT renders the resource graph in Graphviz DOT format, one node per
// resource labelled with its kind and edges pointing dependency to
// dependent. When a diff is given, nodes are colored by pending operation.
func ToDOT(graph *ResourceGraph, diff *DiffSet) string {
	var b strings.Builder
	b.WriteString("digraph resources {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box, style=rounded];\n")

	for _, name := range graph.Names() {
		spec := graph.Spec(name)
		attrs := fmt.Sprintf("label=%q", fmt.Sprintf("%s\\n%s", name, spec.Kind))
		if diff != nil {
			if delta, ok := diff.Deltas[name]; ok {
				if color := opColor(delta.Op); color != "" {
					attrs += fmt.Sprintf(", color=%q, fontcolor=%q", color, color)
				}
			}
		}
		fmt.Fprintf(&b, "  %q [%s];\n", name, attrs)
	}

	// Deleted resources exist only in the diff.
	if diff != nil {
		for _, name := range diff.Names() {
			delta := diff.Deltas[name]
			if delta.Op != OperationDelete || graph.Contains(name) {
				continue
			}
			fmt.Fprintf(&b, "  %q [label=%q, color=%q, fontcolor=%q];\n",
				name, fmt.Sprintf("%s\\n%s", name, delta.Kind), opColor(OperationDelete), opColor(OperationDelete))
		}
	}

	for _, name := range graph.Names() {
		for _, dep := range graph.Dependencies(name) {
			fmt.Fprintf(&b, "  %q -> %q;\n", dep, name)
		}
	}

	b.WriteString("}\n")
	return b.String()
}

func opColor(op OperationType) string {
	switch op {
	case OperationCreate:
		return "darkgreen"
	case OperationUpdate:
		return "goldenrod"
	case OperationReplace:
		return "darkorange"
	case OperationDelete:
		return "firebrick"
	default:
		return ""
	}
}
