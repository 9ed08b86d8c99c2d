package graph

import (
	"fmt"
	"strings"
)

// DOT renders the graph in Graphviz format.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph RuleGraph {\n")
	b.WriteString("  rankdir=TB;\n")
	b.WriteString("  node [shape=box, style=rounded];\n\n")
	for _, n := range g.nodes {
		label := fmt.Sprintf("%s\\n[in: %s]\\n[out: %s]",
			n.ID, strings.Join(n.Inputs, ", "), strings.Join(n.Outputs, ", "))
		fmt.Fprintf(&b, "  %q [label=%q];\n", n.ID, label)
	}
	b.WriteString("\n")
	for _, n := range g.nodes {
		for _, dep := range g.dependencies(n) {
			fmt.Fprintf(&b, "  %q -> %q;\n", dep, n.ID)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Mermaid renders the graph as a Mermaid flowchart for markdown docs.
func (g *Graph) Mermaid() string {
	safe := func(id string) string { return strings.ReplaceAll(id, "-", "_") }
	var b strings.Builder
	b.WriteString("graph TD\n")
	for _, n := range g.nodes {
		label := fmt.Sprintf("%s\\n[%s] → [%s]",
			n.ID, strings.Join(n.Inputs, ", "), strings.Join(n.Outputs, ", "))
		fmt.Fprintf(&b, "  %s[\"%s\"]\n", safe(n.ID), label)
	}
	for _, n := range g.nodes {
		for _, dep := range g.dependencies(n) {
			fmt.Fprintf(&b, "  %s --> %s\n", safe(dep), safe(n.ID))
		}
	}
	return b.String()
}

// ASCII renders the leveled execution plan as plain text.
func (g *Graph) ASCII() (string, error) {
	levels, err := g.Levels()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Execution Plan\n")
	b.WriteString("==============\n\n")
	for i, level := range levels {
		parallel := ""
		if len(level) > 1 {
			parallel = " (parallel)"
		}
		fmt.Fprintf(&b, "Stage %d%s:\n", i, parallel)
		for _, id := range level {
			n := g.byID[id]
			fmt.Fprintf(&b, "  ├─ %s\n", id)
			fmt.Fprintf(&b, "  │   inputs:  [%s]\n", strings.Join(n.Inputs, ", "))
			fmt.Fprintf(&b, "  │   outputs: [%s]\n", strings.Join(n.Outputs, ", "))
			if deps := g.dependencies(n); len(deps) > 0 {
				fmt.Fprintf(&b, "  │   depends: [%s]\n", strings.Join(deps, ", "))
			}
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}
