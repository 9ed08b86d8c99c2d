package engine

import (
	"context"
	"errors"
	"sort"

	"productline/internal/domain"
	"productline/internal/repo"
)

// ImpactedPath is one attribute reached by impact traversal.
type ImpactedPath struct {
	Path string `json:"path"`
	// Distance is the number of rule hops from the analyzed attribute.
	Distance int `json:"distance"`
	// RuleID is the rule whose evaluation carries the impact to this path.
	RuleID    string `json:"rule_id"`
	Immutable bool   `json:"immutable"`
}

// ImpactAnalysis describes what depends on an attribute and what it
// depends on.
type ImpactAnalysis struct {
	Path string `json:"path"`
	// Upstream lists the direct inputs of the rule producing this
	// attribute, when one exists.
	Upstream []ImpactedPath `json:"upstream"`
	// Downstream lists every attribute whose value can change when this
	// one does, breadth-first up to the configured depth.
	Downstream              []ImpactedPath `json:"downstream"`
	AffectedFunctionalities []string       `json:"affected_functionalities"`
	ImmutablePaths          []string       `json:"immutable_paths"`
	HasImmutableDependents  bool           `json:"has_immutable_dependents"`
}

// AnalyzeImpact traverses the rule graph out from one attribute.
// Upstream stops at distance one; downstream walks consuming rules
// breadth-first, recording each path at the first distance it is reached.
func (e Engine) AnalyzeImpact(ctx context.Context, path string) (ImpactAnalysis, error) {
	parsed, err := domain.ParsePath(path)
	if err != nil {
		return ImpactAnalysis{}, err
	}
	a, err := e.Repo.GetAttribute(ctx, path)
	if err != nil {
		return ImpactAnalysis{}, err
	}
	g, rules, err := e.buildGraph(ctx, parsed.ProductID, nil)
	if err != nil {
		return ImpactAnalysis{}, err
	}
	byID := make(map[string]domain.Rule, len(rules))
	for _, rl := range rules {
		byID[rl.ID] = rl
	}

	out := ImpactAnalysis{
		Path:                    path,
		Upstream:                []ImpactedPath{},
		Downstream:              []ImpactedPath{},
		AffectedFunctionalities: []string{},
		ImmutablePaths:          []string{},
	}

	if a.RuleID != nil {
		if producer, ok := byID[*a.RuleID]; ok {
			for _, in := range producer.InputPaths {
				node := ImpactedPath{Path: in, Distance: 1, RuleID: producer.ID}
				node.Immutable, _ = e.pathImmutable(ctx, in)
				out.Upstream = append(out.Upstream, node)
			}
		}
	}

	maxDepth := 5
	if e.Config != nil && e.Config.Engine.ImpactMaxDepth > 0 {
		maxDepth = e.Config.Engine.ImpactMaxDepth
	}
	visited := map[string]bool{path: true}
	frontier := []string{path}
	for distance := 1; distance <= maxDepth && len(frontier) > 0; distance++ {
		var next []string
		for _, cur := range frontier {
			for _, ruleID := range g.Consumers(cur) {
				rl := byID[ruleID]
				for _, produced := range rl.OutputPaths {
					if visited[produced] {
						continue
					}
					visited[produced] = true
					node := ImpactedPath{Path: produced, Distance: distance, RuleID: ruleID}
					node.Immutable, _ = e.pathImmutable(ctx, produced)
					out.Downstream = append(out.Downstream, node)
					next = append(next, produced)
				}
			}
		}
		frontier = next
	}

	for _, node := range out.Downstream {
		if node.Immutable {
			out.ImmutablePaths = append(out.ImmutablePaths, node.Path)
		}
	}
	out.HasImmutableDependents = len(out.ImmutablePaths) > 0

	fns, err := e.Repo.ListFunctionalities(ctx, parsed.ProductID)
	if err != nil {
		return out, err
	}
	for _, f := range fns {
		for _, required := range f.RequiredAttributes {
			if visited[required] {
				out.AffectedFunctionalities = append(out.AffectedFunctionalities, f.Name)
				break
			}
		}
	}
	sort.Strings(out.AffectedFunctionalities)
	sort.Strings(out.ImmutablePaths)
	return out, nil
}

func (e Engine) pathImmutable(ctx context.Context, path string) (bool, error) {
	a, err := e.Repo.GetAttribute(ctx, path)
	if err != nil {
		return false, err
	}
	abstract, err := e.Repo.GetAbstractAttribute(ctx, a.AbstractPath)
	if err != nil {
		return false, err
	}
	return abstract.Immutable, nil
}

// ModificationCheck is the verdict on whether an attribute may be changed
// in place.
type ModificationCheck struct {
	Path                    string   `json:"path"`
	Allowed                 bool     `json:"allowed"`
	Reason                  string   `json:"reason,omitempty"`
	ImmutablePaths          []string `json:"immutable_paths"`
	AffectedFunctionalities []string `json:"affected_functionalities"`
}

// CheckModification decides whether an attribute can be modified without
// cloning the product. A change is refused when the attribute itself is
// locked, or anything downstream of it is.
func (e Engine) CheckModification(ctx context.Context, path string) (ModificationCheck, error) {
	impact, err := e.AnalyzeImpact(ctx, path)
	if err != nil {
		return ModificationCheck{}, err
	}
	check := ModificationCheck{
		Path:                    path,
		Allowed:                 true,
		ImmutablePaths:          impact.ImmutablePaths,
		AffectedFunctionalities: impact.AffectedFunctionalities,
	}
	selfImmutable, err := e.pathImmutable(ctx, path)
	if err != nil {
		return check, err
	}
	if selfImmutable {
		check.Allowed = false
		check.Reason = "attribute declaration is locked by an active functionality"
		return check, nil
	}
	if impact.HasImmutableDependents {
		check.Allowed = false
		check.Reason = "change would ripple into locked attributes; clone the product instead"
	}
	return check, nil
}

// ensureMutableClosure refuses a write touching the given attribute paths
// when any of them, or anything computed from them, is locked. The
// returned error lists every blocking path.
func (e Engine) ensureMutableClosure(ctx context.Context, entity, id string, paths []string) error {
	var blocked []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			blocked = append(blocked, p)
		}
	}
	for _, path := range paths {
		check, err := e.CheckModification(ctx, path)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return err
		}
		if check.Allowed {
			continue
		}
		if selfImmutable, err := e.pathImmutable(ctx, path); err == nil && selfImmutable {
			add(path)
		}
		for _, p := range check.ImmutablePaths {
			add(p)
		}
	}
	if len(blocked) == 0 {
		return nil
	}
	sort.Strings(blocked)
	return ImmutableError{
		Entity: entity,
		ID:     id,
		Reason: "change would reach locked attributes",
		Paths:  blocked,
	}
}
