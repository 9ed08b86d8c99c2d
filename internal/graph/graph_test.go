package graph_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"productline/internal/graph"
)

func TestLevelsDiamond(t *testing.T) {
	g, err := graph.Build([]graph.Node{
		{ID: "base", Inputs: []string{"p:c:i:vehicle-value"}, Outputs: []string{"p:c:i:base-premium"}, OrderIndex: 0},
		{ID: "age", Inputs: []string{"p:c:i:customer-age"}, Outputs: []string{"p:c:i:age-factor"}, OrderIndex: 1},
		{ID: "final", Inputs: []string{"p:c:i:base-premium", "p:c:i:age-factor"}, Outputs: []string{"p:c:i:final-premium"}, OrderIndex: 2},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	levels, err := g.Levels()
	if err != nil {
		t.Fatalf("levels: %v", err)
	}
	want := [][]string{{"base", "age"}, {"final"}}
	if !reflect.DeepEqual(levels, want) {
		t.Fatalf("levels: got %v want %v", levels, want)
	}
}

func TestLevelsStableOrder(t *testing.T) {
	nodes := []graph.Node{
		{ID: "zz", Inputs: []string{"in"}, Outputs: []string{"z-out"}, OrderIndex: 2},
		{ID: "aa", Inputs: []string{"in"}, Outputs: []string{"a-out"}, OrderIndex: 1},
		{ID: "mm", Inputs: []string{"in"}, Outputs: []string{"m-out"}, OrderIndex: 1},
	}
	g, err := graph.Build(nodes)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for i := 0; i < 20; i++ {
		levels, err := g.Levels()
		if err != nil {
			t.Fatalf("levels: %v", err)
		}
		want := [][]string{{"aa", "mm", "zz"}}
		if !reflect.DeepEqual(levels, want) {
			t.Fatalf("iteration %d: got %v want %v", i, levels, want)
		}
	}
}

func TestCycleDetection(t *testing.T) {
	g, err := graph.Build([]graph.Node{
		{ID: "r1", Inputs: []string{"b"}, Outputs: []string{"a"}},
		{ID: "r2", Inputs: []string{"a"}, Outputs: []string{"b"}},
		{ID: "r3", Inputs: []string{"a"}, Outputs: []string{"c"}},
		{ID: "r4", Inputs: []string{"external"}, Outputs: []string{"d"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_, err = g.Levels()
	var ce graph.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if !reflect.DeepEqual(ce.Rules, []string{"r1", "r2"}) {
		t.Fatalf("cycle members: got %v", ce.Rules)
	}
	if _, err := g.Plan(); err == nil {
		t.Fatalf("plan must fail on cycles, never return a partial plan")
	}
}

func TestDuplicateOutputRejected(t *testing.T) {
	_, err := graph.Build([]graph.Node{
		{ID: "r1", Outputs: []string{"x"}},
		{ID: "r2", Outputs: []string{"x"}},
	})
	var de graph.DuplicateOutputError
	if !errors.As(err, &de) {
		t.Fatalf("expected DuplicateOutputError, got %v", err)
	}
	if de.Path != "x" {
		t.Fatalf("path: got %s", de.Path)
	}
}

func TestMissingInputs(t *testing.T) {
	g, err := graph.Build([]graph.Node{
		{ID: "r1", Inputs: []string{"ext-a", "ext-b"}, Outputs: []string{"mid"}},
		{ID: "r2", Inputs: []string{"mid", "ext-c"}, Outputs: []string{"out"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	missing := g.MissingInputs(map[string]bool{"ext-a": true})
	if !reflect.DeepEqual(missing["r1"], []string{"ext-b"}) {
		t.Fatalf("r1 missing: got %v", missing["r1"])
	}
	if !reflect.DeepEqual(missing["r2"], []string{"ext-c"}) {
		t.Fatalf("r2 missing: got %v", missing["r2"])
	}
}

func TestPlanShape(t *testing.T) {
	g, err := graph.Build([]graph.Node{
		{ID: "base", Inputs: []string{"v"}, Outputs: []string{"bp"}, OrderIndex: 0},
		{ID: "age", Inputs: []string{"a"}, Outputs: []string{"af"}, OrderIndex: 1},
		{ID: "final", Inputs: []string{"bp", "af"}, Outputs: []string{"fp"}, OrderIndex: 2},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	plan, err := g.Plan()
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.TotalRules != 3 || plan.TotalStages != 2 {
		t.Fatalf("plan: %+v", plan)
	}
	if !plan.Stages[0].Parallel || plan.Stages[1].Parallel {
		t.Fatalf("parallel flags: %+v", plan.Stages)
	}
}

func TestRenderers(t *testing.T) {
	g, err := graph.Build([]graph.Node{
		{ID: "base-premium", Inputs: []string{"v"}, Outputs: []string{"bp"}},
		{ID: "final-premium", Inputs: []string{"bp"}, Outputs: []string{"fp"}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	dot := g.DOT()
	if !strings.Contains(dot, "digraph RuleGraph") || !strings.Contains(dot, `"base-premium" -> "final-premium"`) {
		t.Fatalf("dot output:\n%s", dot)
	}
	mermaid := g.Mermaid()
	if !strings.Contains(mermaid, "graph TD") || !strings.Contains(mermaid, "base_premium --> final_premium") {
		t.Fatalf("mermaid output:\n%s", mermaid)
	}
	ascii, err := g.ASCII()
	if err != nil {
		t.Fatalf("ascii: %v", err)
	}
	if !strings.Contains(ascii, "Stage 0") || !strings.Contains(ascii, "Stage 1") {
		t.Fatalf("ascii output:\n%s", ascii)
	}
}
