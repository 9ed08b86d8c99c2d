package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"productline/internal/domain"
	"productline/internal/events"
	"productline/internal/expr"
	"productline/internal/graph"
	"productline/internal/repo"
)

// RuleCreateOptions are parameters for creating a rule.
type RuleCreateOptions struct {
	ProductID   string
	RuleType    string
	Expression  string
	InputPaths  []string
	OutputPaths []string
	OrderIndex  int
	ActorID     string
}

// CreateRule validates the rule against the whole rule set and, on
// success, binds every output attribute to it. Checks run to completion
// before anything is rejected so the caller sees every violation at once.
func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.Rule, error) {
	if opts.RuleType != "" {
		if err := domain.ValidateRuleType(opts.RuleType); err != nil {
			return domain.Rule{}, err
		}
	}
	p, err := e.Repo.GetProduct(ctx, opts.ProductID)
	if err != nil {
		return domain.Rule{}, err
	}
	if p.Locked() {
		return domain.Rule{}, ImmutableError{Entity: "product", ID: p.ID, Reason: "status is " + p.Status}
	}
	now := e.timestamp()
	rl := domain.Rule{
		ID:          uuid.New().String(),
		ProductID:   opts.ProductID,
		RuleType:    opts.RuleType,
		Expression:  opts.Expression,
		InputPaths:  opts.InputPaths,
		OutputPaths: opts.OutputPaths,
		Enabled:     true,
		OrderIndex:  opts.OrderIndex,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	others, err := e.Repo.ListRules(ctx, opts.ProductID)
	if err != nil {
		return rl, err
	}
	if violations := e.checkRuleConstraints(ctx, rl, others); len(violations) > 0 {
		return rl, ConstraintError{Violations: violations}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rl, err
	}
	defer tx.Rollback()
	if err := e.Repo.CreateRuleTx(ctx, tx, rl); err != nil {
		return rl, fmt.Errorf("insert rule: %w", err)
	}
	if err := e.bindOutputsTx(ctx, tx, rl, now); err != nil {
		return rl, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRuleCreated, rl.ProductID, "rule", rl.ID, opts.ActorID, events.EventPayload{
		"outputs": rl.OutputPaths,
	}); err != nil {
		return rl, err
	}
	if err := tx.Commit(); err != nil {
		return rl, err
	}
	return rl, nil
}

// RuleUpdateOptions carries in-place edits to a rule.
type RuleUpdateOptions struct {
	ID          string
	Expression  *string
	InputPaths  []string
	OutputPaths []string
	Enabled     *bool
	OrderIndex  *int
	ActorID     string
}

func (e Engine) UpdateRule(ctx context.Context, opts RuleUpdateOptions) (domain.Rule, error) {
	rl, err := e.Repo.GetRule(ctx, opts.ID)
	if err != nil {
		return rl, err
	}
	p, err := e.Repo.GetProduct(ctx, rl.ProductID)
	if err != nil {
		return rl, err
	}
	if p.Locked() {
		return rl, ImmutableError{Entity: "product", ID: p.ID, Reason: "status is " + p.Status}
	}
	oldOutputs := rl.OutputPaths
	// Editing the rule changes every attribute it writes, old set and new
	// alike, and everything computed from them downstream.
	gated := oldOutputs
	if opts.OutputPaths != nil {
		gated = append(append([]string{}, oldOutputs...), opts.OutputPaths...)
	}
	if err := e.ensureMutableClosure(ctx, "rule", rl.ID, gated); err != nil {
		return rl, err
	}
	if opts.Expression != nil {
		rl.Expression = *opts.Expression
	}
	if opts.InputPaths != nil {
		rl.InputPaths = opts.InputPaths
	}
	if opts.OutputPaths != nil {
		rl.OutputPaths = opts.OutputPaths
	}
	if opts.Enabled != nil {
		rl.Enabled = *opts.Enabled
	}
	if opts.OrderIndex != nil {
		rl.OrderIndex = *opts.OrderIndex
	}
	others, err := e.Repo.ListRules(ctx, rl.ProductID)
	if err != nil {
		return rl, err
	}
	peers := others[:0:0]
	for _, r := range others {
		if r.ID != rl.ID {
			peers = append(peers, r)
		}
	}
	if violations := e.checkRuleConstraints(ctx, rl, peers); len(violations) > 0 {
		return rl, ConstraintError{Violations: violations}
	}
	rl.UpdatedAt = e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rl, err
	}
	defer tx.Rollback()
	if err := e.unbindOutputsTx(ctx, tx, oldOutputs, rl.UpdatedAt); err != nil {
		return rl, err
	}
	if err := e.Repo.UpdateRuleTx(ctx, tx, rl); err != nil {
		return rl, err
	}
	if err := e.bindOutputsTx(ctx, tx, rl, rl.UpdatedAt); err != nil {
		return rl, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRuleUpdated, rl.ProductID, "rule", rl.ID, opts.ActorID, events.EventPayload{
		"outputs": rl.OutputPaths,
	}); err != nil {
		return rl, err
	}
	if err := tx.Commit(); err != nil {
		return rl, err
	}
	return rl, nil
}

// DeleteRule removes a rule and releases its output attributes back to
// JUST_DEFINITION.
func (e Engine) DeleteRule(ctx context.Context, id, actorID string) error {
	rl, err := e.Repo.GetRule(ctx, id)
	if err != nil {
		return err
	}
	p, err := e.Repo.GetProduct(ctx, rl.ProductID)
	if err != nil {
		return err
	}
	if p.Locked() {
		return ImmutableError{Entity: "product", ID: p.ID, Reason: "status is " + p.Status}
	}
	if err := e.ensureMutableClosure(ctx, "rule", rl.ID, rl.OutputPaths); err != nil {
		return err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.unbindOutputsTx(ctx, tx, rl.OutputPaths, now); err != nil {
		return err
	}
	if err := e.Repo.DeleteRuleTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRuleDeleted, rl.ProductID, "rule", id, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) bindOutputsTx(ctx context.Context, tx *sql.Tx, rl domain.Rule, now string) error {
	for _, out := range rl.OutputPaths {
		if err := e.Repo.UpdateAttributeValueTx(ctx, tx, out, domain.ValueTypeRuleDriven, nil, &rl.ID, now); err != nil {
			return fmt.Errorf("bind output %s: %w", out, err)
		}
	}
	return nil
}

func (e Engine) unbindOutputsTx(ctx context.Context, tx *sql.Tx, outputs []string, now string) error {
	for _, out := range outputs {
		err := e.Repo.UpdateAttributeValueTx(ctx, tx, out, domain.ValueTypeJustDefinition, nil, nil, now)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("unbind output %s: %w", out, err)
		}
	}
	return nil
}

// checkRuleConstraints runs every structural check on a candidate rule
// against the rest of the product's rule set. The checks are independent;
// none short-circuits the others.
func (e Engine) checkRuleConstraints(ctx context.Context, rl domain.Rule, others []domain.Rule) []Violation {
	var violations []Violation

	// 1. The expression must parse, and every variable it reads must be
	// covered by a declared input path.
	parsed, err := expr.Parse([]byte(rl.Expression))
	if err != nil {
		violations = append(violations, Violation{
			Code:    CodeInvalidExpression,
			Subject: rl.ID,
			Message: err.Error(),
		})
	} else {
		declared := make(map[string]bool, len(rl.InputPaths))
		for _, in := range rl.InputPaths {
			declared[in] = true
		}
		for _, v := range expr.Vars(parsed) {
			if v == expr.ValueBinding {
				continue
			}
			if !declared[v] {
				violations = append(violations, Violation{
					Code:    CodeInvalidExpression,
					Subject: rl.ID,
					Message: fmt.Sprintf("expression reads %s which is not a declared input", v),
				})
			}
		}
	}

	// 2. The output set and the input set must be disjoint: a rule never
	// reads what it writes.
	writes := make(map[string]bool, len(rl.OutputPaths))
	for _, out := range rl.OutputPaths {
		writes[out] = true
	}
	for _, in := range rl.InputPaths {
		if writes[in] {
			violations = append(violations, Violation{
				Code:    CodeRuleSelfDependency,
				Subject: in,
				Message: "rule reads its own output",
			})
		}
	}

	// 3. Every input path must be well formed and resolve to an attribute
	// of this product.
	for _, in := range rl.InputPaths {
		if err := e.checkRulePath(ctx, rl.ProductID, in); err != nil {
			violations = append(violations, Violation{Code: CodeUnknownInputPath, Subject: in, Message: err.Error()})
		}
	}

	// 4. Every output path must resolve too, and no other rule may
	// already write it: each attribute has at most one producing rule.
	written := make(map[string]string)
	for _, other := range others {
		for _, out := range other.OutputPaths {
			written[out] = other.ID
		}
	}
	for _, out := range rl.OutputPaths {
		if err := e.checkRulePath(ctx, rl.ProductID, out); err != nil {
			violations = append(violations, Violation{Code: CodeUnknownOutputPath, Subject: out, Message: err.Error()})
			continue
		}
		if owner, ok := written[out]; ok {
			violations = append(violations, Violation{
				Code:    CodeDuplicateOutput,
				Subject: out,
				Message: fmt.Sprintf("already written by rule %s", owner),
			})
		}
	}

	// 5. Adding the rule must keep the whole set acyclic.
	nodes := make([]graph.Node, 0, len(others)+1)
	for _, other := range others {
		nodes = append(nodes, graph.Node{ID: other.ID, Inputs: other.InputPaths, Outputs: other.OutputPaths, OrderIndex: other.OrderIndex})
	}
	nodes = append(nodes, graph.Node{ID: rl.ID, Inputs: rl.InputPaths, Outputs: rl.OutputPaths, OrderIndex: rl.OrderIndex})
	if g, err := graph.Build(nodes); err == nil {
		if _, err := g.Levels(); err != nil {
			var cyc graph.CycleError
			if errors.As(err, &cyc) {
				violations = append(violations, Violation{Code: CodeRuleCycle, Subject: rl.ID, Message: err.Error()})
			}
		}
	}
	return violations
}

func (e Engine) checkRulePath(ctx context.Context, productID, path string) error {
	parsed, err := domain.ParsePath(path)
	if err != nil {
		return err
	}
	if parsed.ProductID != productID {
		return fmt.Errorf("path %s belongs to another product", path)
	}
	if _, err := e.Repo.GetAttribute(ctx, path); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("attribute %s not found", path)
		}
		return err
	}
	return nil
}
