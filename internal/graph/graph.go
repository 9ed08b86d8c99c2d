package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Node is one rule seen by the planner: its id, the attribute paths it
// reads and writes, and its declaration order for stable scheduling.
type Node struct {
	ID         string
	Inputs     []string
	Outputs    []string
	OrderIndex int
}

// Graph is the rule dependency graph for one product. Edges run from the
// producer of an attribute path to every rule consuming that path.
type Graph struct {
	nodes     []Node
	byID      map[string]Node
	producer  map[string]string   // attribute path -> producing rule id
	consumers map[string][]string // attribute path -> consuming rule ids
}

// DuplicateOutputError reports two rules declaring the same output path.
type DuplicateOutputError struct {
	Path  string
	Rules []string
}

func (e DuplicateOutputError) Error() string {
	return fmt.Sprintf("attribute %s is produced by more than one rule: %s", e.Path, strings.Join(e.Rules, ", "))
}

// CycleError is fatal: the named rules depend on each other and no
// execution order exists until they are fixed.
type CycleError struct {
	Rules []string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among rules: %s", strings.Join(e.Rules, ", "))
}

// Build indexes the nodes and rejects duplicate outputs. Node order is
// preserved as the declaration order.
func Build(nodes []Node) (*Graph, error) {
	g := &Graph{
		nodes:     nodes,
		byID:      make(map[string]Node, len(nodes)),
		producer:  make(map[string]string),
		consumers: make(map[string][]string),
	}
	for _, n := range nodes {
		g.byID[n.ID] = n
		for _, out := range n.Outputs {
			if prev, ok := g.producer[out]; ok {
				return nil, DuplicateOutputError{Path: out, Rules: []string{prev, n.ID}}
			}
			g.producer[out] = n.ID
		}
	}
	for _, n := range nodes {
		for _, in := range n.Inputs {
			g.consumers[in] = append(g.consumers[in], n.ID)
		}
	}
	return g, nil
}

// Producer returns the rule producing a path, if any.
func (g *Graph) Producer(path string) (string, bool) {
	id, ok := g.producer[path]
	return id, ok
}

// Consumers returns the rules consuming a path, in declaration order.
func (g *Graph) Consumers(path string) []string {
	return g.consumers[path]
}

// Node returns a node by rule id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Rules returns all rule ids in declaration order.
func (g *Graph) Rules() []string {
	out := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.ID
	}
	return out
}

// dependencies returns the producing rules of a node's inputs. Inputs with
// no producer are external and impose no ordering.
func (g *Graph) dependencies(n Node) []string {
	var deps []string
	for _, in := range n.Inputs {
		if p, ok := g.producer[in]; ok && p != n.ID {
			deps = append(deps, p)
		}
	}
	return deps
}

// Levels partitions rules into execution levels: a rule's level is one
// past the highest level of any rule producing one of its inputs, and
// level 0 holds rules fed only by external inputs. Rules inside one level
// are mutually independent. Within a level, order is stable: order index,
// then rule id. A stall means a cycle; the error names every rule in at
// least one cycle.
func (g *Graph) Levels() ([][]string, error) {
	levelOf := make(map[string]int, len(g.nodes))
	remaining := make([]Node, len(g.nodes))
	copy(remaining, g.nodes)

	for len(remaining) > 0 {
		var next []Node
		progressed := false
		for _, n := range remaining {
			level := 0
			ready := true
			for _, dep := range g.dependencies(n) {
				dl, ok := levelOf[dep]
				if !ok {
					ready = false
					break
				}
				if dl+1 > level {
					level = dl + 1
				}
			}
			if ready {
				levelOf[n.ID] = level
				progressed = true
			} else {
				next = append(next, n)
			}
		}
		if !progressed {
			stalled := make([]string, len(next))
			for i, n := range next {
				stalled[i] = n.ID
			}
			return nil, CycleError{Rules: g.cycleMembers(stalled)}
		}
		remaining = next
	}

	max := 0
	for _, l := range levelOf {
		if l > max {
			max = l
		}
	}
	levels := make([][]string, max+1)
	for id, l := range levelOf {
		levels[l] = append(levels[l], id)
	}
	for _, level := range levels {
		sort.Slice(level, func(i, j int) bool {
			a, b := g.byID[level[i]], g.byID[level[j]]
			if a.OrderIndex != b.OrderIndex {
				return a.OrderIndex < b.OrderIndex
			}
			return a.ID < b.ID
		})
	}
	return levels, nil
}

// cycleMembers narrows a stalled set down to the rules actually on cycles
// (strongly connected components of the stalled subgraph). Rules that are
// merely downstream of a cycle are dropped from the report.
func (g *Graph) cycleMembers(stalled []string) []string {
	inSet := make(map[string]bool, len(stalled))
	for _, id := range stalled {
		inSet[id] = true
	}
	index := map[string]int{}
	low := map[string]int{}
	onStack := map[string]bool{}
	var stack []string
	var members []string
	counter := 0

	var strongConnect func(id string)
	strongConnect = func(id string) {
		index[id] = counter
		low[id] = counter
		counter++
		stack = append(stack, id)
		onStack[id] = true
		for _, dep := range g.dependencies(g.byID[id]) {
			if !inSet[dep] {
				continue
			}
			if _, seen := index[dep]; !seen {
				strongConnect(dep)
				if low[dep] < low[id] {
					low[id] = low[dep]
				}
			} else if onStack[dep] && index[dep] < low[id] {
				low[id] = index[dep]
			}
		}
		if low[id] == index[id] {
			var scc []string
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				scc = append(scc, top)
				if top == id {
					break
				}
			}
			if len(scc) > 1 {
				members = append(members, scc...)
			}
		}
	}
	for _, id := range stalled {
		if _, seen := index[id]; !seen {
			strongConnect(id)
		}
	}
	if len(members) == 0 {
		members = stalled
	}
	sort.Strings(members)
	return members
}

// MissingInputs reports, per rule, the inputs that are neither produced by
// any rule nor present in the provided set. These rules are skipped at
// evaluation time; missing inputs are never fatal.
func (g *Graph) MissingInputs(provided map[string]bool) map[string][]string {
	missing := map[string][]string{}
	for _, n := range g.nodes {
		for _, in := range n.Inputs {
			if _, produced := g.producer[in]; produced {
				continue
			}
			if provided[in] {
				continue
			}
			missing[n.ID] = append(missing[n.ID], in)
		}
	}
	return missing
}

// Stage is one execution level of a plan.
type Stage struct {
	Level    int      `json:"level"`
	Parallel bool     `json:"parallel"`
	Rules    []string `json:"rules"`
}

// Plan is a complete leveled execution order.
type Plan struct {
	TotalRules  int     `json:"total_rules"`
	TotalStages int     `json:"total_stages"`
	Stages      []Stage `json:"stages"`
}

// Plan levels the graph into an execution plan.
func (g *Graph) Plan() (Plan, error) {
	levels, err := g.Levels()
	if err != nil {
		return Plan{}, err
	}
	p := Plan{TotalRules: len(g.nodes), TotalStages: len(levels)}
	for i, level := range levels {
		p.Stages = append(p.Stages, Stage{
			Level:    i,
			Parallel: len(level) > 1,
			Rules:    level,
		})
	}
	return p, nil
}
