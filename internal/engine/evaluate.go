package engine

import (
	"context"
	"sync"
	"time"

	"productline/internal/domain"
	"productline/internal/events"
	"productline/internal/expr"
	"productline/internal/graph"
)

// Rule result statuses.
const (
	RuleOK      = "ok"
	RuleFailed  = "error"
	RuleSkipped = "skipped"
)

// Skip reasons.
const (
	SkipMissingInputs  = "missing_inputs"
	SkipUpstreamFailed = "upstream_failed"
	SkipCanceled       = "canceled"
	SkipDisabled       = "disabled"
)

// EvaluateOptions are parameters for one evaluation run.
type EvaluateOptions struct {
	ProductID string
	// Inputs are caller-provided values keyed by attribute path. They
	// overlay the product's FIXED_VALUE attributes.
	Inputs map[string]any
	// RuleIDs restricts the run to a subset of the product's rules.
	RuleIDs []string
	// MaxDuration bounds this run; zero falls back to the configured
	// timeout.
	MaxDuration time.Duration
	// Debug records the input bindings each rule observed.
	Debug   bool
	ActorID string
}

// RuleResult is the outcome of one rule in a run. Stage is -1 for rules
// that never entered the plan.
type RuleResult struct {
	RuleID     string         `json:"rule_id"`
	Stage      int            `json:"stage"`
	Status     string         `json:"status" enum:"ok,error,skipped"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Missing    []string       `json:"missing,omitempty"`
	DurationMS float64        `json:"duration_ms"`
}

// EvaluationResult is the outcome of a whole run. Outputs holds every
// value produced by a succeeding rule, keyed by attribute path.
type EvaluationResult struct {
	ProductID  string         `json:"product_id"`
	Stages     int            `json:"stages"`
	Results    []RuleResult   `json:"results"`
	Outputs    map[string]any `json:"outputs"`
	Evaluated  int            `json:"evaluated"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	DurationMS float64        `json:"duration_ms"`
}

// Evaluate runs the product's rules level by level, optionally limited
// to a named subset. Disabled rules are reported as skipped, not run.
// Rules inside one level run concurrently, capped by the configured
// worker count; values produced by one level become visible to the next.
// Cancellation is honored at level boundaries only, so a canceled run
// never leaves a level half-applied.
func (e Engine) Evaluate(ctx context.Context, opts EvaluateOptions) (EvaluationResult, error) {
	g, rules, err := e.buildGraph(ctx, opts.ProductID, opts.RuleIDs)
	if err != nil {
		return EvaluationResult{}, err
	}
	levels, err := g.Levels()
	if err != nil {
		return EvaluationResult{}, err
	}
	byID := make(map[string]domain.Rule, len(rules))
	for _, rl := range rules {
		byID[rl.ID] = rl
	}

	bindings, err := e.seedBindings(ctx, opts.ProductID, opts.Inputs)
	if err != nil {
		return EvaluationResult{}, err
	}

	provided := make(map[string]bool, len(bindings))
	for path := range bindings {
		provided[path] = true
	}
	missing := g.MissingInputs(provided)

	timeout := time.Duration(0)
	if e.Config != nil {
		timeout = e.Config.Engine.EvalTimeout
	}
	if opts.MaxDuration > 0 {
		timeout = opts.MaxDuration
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	workers := 1
	if e.Config != nil && e.Config.Engine.EvalWorkers > 0 {
		workers = e.Config.Engine.EvalWorkers
	}

	started := time.Now()
	res := EvaluationResult{
		ProductID: opts.ProductID,
		Stages:    len(levels),
		Outputs:   map[string]any{},
	}
	// dead rules are skipped without evaluation: their inputs are
	// unavailable, or a rule upstream of them failed.
	dead := make(map[string]string, len(missing))
	for id := range missing {
		dead[id] = SkipMissingInputs
	}

	// disabled rules never enter the plan; record them up front so the
	// run accounts for every rule it was asked about.
	for _, rl := range rules {
		if rl.Enabled {
			continue
		}
		res.Results = append(res.Results, RuleResult{RuleID: rl.ID, Stage: -1, Status: RuleSkipped, SkipReason: SkipDisabled})
		res.Skipped++
	}

	canceled := false
	for stage, level := range levels {
		if err := ctx.Err(); err != nil {
			canceled = true
		}
		results := make([]RuleResult, len(level))
		if canceled {
			for i, id := range level {
				results[i] = RuleResult{RuleID: id, Stage: stage, Status: RuleSkipped, SkipReason: SkipCanceled}
			}
		} else {
			sem := make(chan struct{}, workers)
			var wg sync.WaitGroup
			for i, id := range level {
				if reason, ok := dead[id]; ok {
					results[i] = RuleResult{RuleID: id, Stage: stage, Status: RuleSkipped, SkipReason: reason, Missing: missing[id]}
					continue
				}
				wg.Add(1)
				sem <- struct{}{}
				go func(i int, rl domain.Rule) {
					defer wg.Done()
					defer func() { <-sem }()
					results[i] = evalRule(rl, stage, bindings, opts.Debug)
				}(i, byID[id])
			}
			wg.Wait()
		}
		// fold the level's outputs into the bindings and propagate
		// skips to consumers of anything that did not produce
		for _, rr := range results {
			res.Results = append(res.Results, rr)
			rl := byID[rr.RuleID]
			switch rr.Status {
			case RuleOK:
				res.Evaluated++
				for path, v := range rr.Outputs {
					bindings[path] = expr.FromAny(v)
					res.Outputs[path] = v
				}
			case RuleFailed:
				res.Failed++
				markConsumersDead(g, rl.OutputPaths, dead, SkipUpstreamFailed)
			case RuleSkipped:
				res.Skipped++
				if rr.SkipReason != SkipCanceled {
					markConsumersDead(g, rl.OutputPaths, dead, rr.SkipReason)
				}
			}
		}
	}
	res.DurationMS = float64(time.Since(started).Microseconds()) / 1000

	tx, err := e.DB.BeginTx(ctx, nil)
	if err == nil {
		defer tx.Rollback()
		if err := e.Events.Append(ctx, tx, events.TypeEvaluationCompleted, opts.ProductID, "product", opts.ProductID, opts.ActorID, events.EventPayload{
			"stages":    res.Stages,
			"evaluated": res.Evaluated,
			"failed":    res.Failed,
			"skipped":   res.Skipped,
		}); err == nil {
			_ = tx.Commit()
		}
	}
	if canceled {
		return res, ctx.Err()
	}
	return res, nil
}

// seedBindings loads the product's FIXED_VALUE attributes and overlays the
// caller's inputs.
func (e Engine) seedBindings(ctx context.Context, productID string, inputs map[string]any) (expr.Bindings, error) {
	attrs, err := e.Repo.ListAttributes(ctx, productID)
	if err != nil {
		return nil, err
	}
	bindings := expr.Bindings{}
	for _, a := range attrs {
		if a.ValueType != domain.ValueTypeFixed || a.ValueJSON == nil {
			continue
		}
		var v expr.Value
		if err := v.UnmarshalJSON([]byte(*a.ValueJSON)); err != nil {
			continue
		}
		bindings[a.Path] = v
	}
	for path, v := range inputs {
		bindings[path] = expr.FromAny(v)
	}
	return bindings, nil
}

func evalRule(rl domain.Rule, stage int, bindings expr.Bindings, debug bool) RuleResult {
	started := time.Now()
	rr := RuleResult{RuleID: rl.ID, Stage: stage}
	if debug {
		rr.Inputs = make(map[string]any, len(rl.InputPaths))
		for _, in := range rl.InputPaths {
			if v, ok := bindings[in]; ok {
				rr.Inputs[in] = v.Interface()
			}
		}
	}
	parsed, err := expr.Parse([]byte(rl.Expression))
	if err != nil {
		rr.Status = RuleFailed
		rr.Error = err.Error()
		return rr
	}
	v, err := expr.Eval(parsed, bindings)
	rr.DurationMS = float64(time.Since(started).Microseconds()) / 1000
	if err != nil {
		rr.Status = RuleFailed
		rr.Error = err.Error()
		return rr
	}
	rr.Status = RuleOK
	rr.Outputs = make(map[string]any, len(rl.OutputPaths))
	for _, out := range rl.OutputPaths {
		rr.Outputs[out] = v.Interface()
	}
	return rr
}

// markConsumersDead flags every rule downstream of the given paths.
func markConsumersDead(g *graph.Graph, outputs []string, dead map[string]string, reason string) {
	for _, out := range outputs {
		for _, id := range g.Consumers(out) {
			if _, ok := dead[id]; !ok {
				dead[id] = reason
			}
		}
	}
}
