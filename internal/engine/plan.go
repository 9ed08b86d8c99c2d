package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"productline/internal/domain"
	"productline/internal/graph"
)

// buildGraph assembles the dependency graph over a product's rules,
// optionally restricted to a subset of rule ids. Disabled rules never
// enter the graph but are still returned so callers can report them.
func (e Engine) buildGraph(ctx context.Context, productID string, ruleIDs []string) (*graph.Graph, []domain.Rule, error) {
	if _, err := e.Repo.GetProduct(ctx, productID); err != nil {
		return nil, nil, err
	}
	rules, err := e.Repo.ListRules(ctx, productID)
	if err != nil {
		return nil, nil, err
	}
	if len(ruleIDs) > 0 {
		want := make(map[string]bool, len(ruleIDs))
		for _, id := range ruleIDs {
			want[id] = true
		}
		subset := rules[:0:0]
		for _, rl := range rules {
			if want[rl.ID] {
				subset = append(subset, rl)
				delete(want, rl.ID)
			}
		}
		if len(want) > 0 {
			missing := make([]string, 0, len(want))
			for id := range want {
				missing = append(missing, id)
			}
			sort.Strings(missing)
			return nil, nil, fmt.Errorf("unknown rule id %s", strings.Join(missing, ", "))
		}
		rules = subset
	}
	nodes := make([]graph.Node, 0, len(rules))
	for _, rl := range rules {
		if !rl.Enabled {
			continue
		}
		nodes = append(nodes, graph.Node{
			ID:         rl.ID,
			Inputs:     rl.InputPaths,
			Outputs:    rl.OutputPaths,
			OrderIndex: rl.OrderIndex,
		})
	}
	g, err := graph.Build(nodes)
	if err != nil {
		return nil, nil, err
	}
	return g, rules, nil
}

// Plan computes the staged execution plan for a product's rule set, or
// for the named subset of it.
func (e Engine) Plan(ctx context.Context, productID string, ruleIDs []string) (graph.Plan, error) {
	g, _, err := e.buildGraph(ctx, productID, ruleIDs)
	if err != nil {
		return graph.Plan{}, err
	}
	return g.Plan()
}

// Graph render formats for RenderGraph.
const (
	FormatDOT     = "dot"
	FormatMermaid = "mermaid"
	FormatASCII   = "ascii"
)

// RenderGraph renders the product's rule graph in the requested format.
func (e Engine) RenderGraph(ctx context.Context, productID, format string) (string, error) {
	g, _, err := e.buildGraph(ctx, productID, nil)
	if err != nil {
		return "", err
	}
	switch format {
	case FormatDOT:
		return g.DOT(), nil
	case FormatMermaid:
		return g.Mermaid(), nil
	case FormatASCII:
		return g.ASCII()
	default:
		return "", fmt.Errorf("unknown graph format %q", format)
	}
}
