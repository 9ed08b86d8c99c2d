package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"productline/internal/config"
	"productline/internal/db"
	"productline/internal/domain"
	"productline/internal/engine"
	"productline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// seedMotorProduct builds a small motor insurance product: a fixed sum
// insured and driver age, a base premium at 5% of the sum insured, an age
// factor tiered on driver age, and a final premium combining both.
func seedMotorProduct(t *testing.T, env testEnv) {
	t.Helper()
	if _, err := env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{
		ID: "motor", Name: "Motor Insurance", TemplateType: "motor", ActorID: "tester",
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	for _, dt := range []engine.DataTypeCreateOptions{
		{ProductID: "motor", ID: "money", Primitive: "float", ActorID: "tester"},
		{ProductID: "motor", ID: "factor", Primitive: "float", ActorID: "tester"},
		{ProductID: "motor", ID: "age", Primitive: "integer", ActorID: "tester"},
	} {
		if _, err := env.Engine.CreateDataType(env.Ctx, dt); err != nil {
			t.Fatalf("create datatype %s: %v", dt.ID, err)
		}
	}
	for _, a := range []engine.AbstractAttributeCreateOptions{
		{ProductID: "motor", ComponentType: "driver", Name: "age", DataTypeID: "age", ActorID: "tester"},
		{ProductID: "motor", ComponentType: "coverage", Name: "sum-insured", DataTypeID: "money", ActorID: "tester"},
		{ProductID: "motor", ComponentType: "premium", Name: "base-premium", DataTypeID: "money", ActorID: "tester"},
		{ProductID: "motor", ComponentType: "premium", Name: "age-factor", DataTypeID: "factor", ActorID: "tester"},
		{ProductID: "motor", ComponentType: "premium", Name: "final-premium", DataTypeID: "money", ActorID: "tester"},
	} {
		if _, err := env.Engine.CreateAbstractAttribute(env.Ctx, a); err != nil {
			t.Fatalf("create abstract %s: %v", a.Name, err)
		}
	}
	for _, a := range []engine.AttributeCreateOptions{
		{ProductID: "motor", ComponentType: "driver", ComponentID: "main", Name: "age", ValueType: domain.ValueTypeFixed, ValueJSON: "21", ActorID: "tester"},
		{ProductID: "motor", ComponentType: "coverage", ComponentID: "main", Name: "sum-insured", ValueType: domain.ValueTypeFixed, ValueJSON: "50000", ActorID: "tester"},
		{ProductID: "motor", ComponentType: "premium", ComponentID: "main", Name: "base-premium", ValueType: domain.ValueTypeJustDefinition, ActorID: "tester"},
		{ProductID: "motor", ComponentType: "premium", ComponentID: "main", Name: "age-factor", ValueType: domain.ValueTypeJustDefinition, ActorID: "tester"},
		{ProductID: "motor", ComponentType: "premium", ComponentID: "main", Name: "final-premium", ValueType: domain.ValueTypeJustDefinition, ActorID: "tester"},
	} {
		if _, err := env.Engine.CreateAttribute(env.Ctx, a); err != nil {
			t.Fatalf("create attribute %s: %v", a.Name, err)
		}
	}
	rules := []engine.RuleCreateOptions{
		{
			ProductID:   "motor",
			Expression:  `{"*":[{"var":"motor:coverage:main:sum-insured"},0.05]}`,
			InputPaths:  []string{"motor:coverage:main:sum-insured"},
			OutputPaths: []string{"motor:premium:main:base-premium"},
			ActorID:     "tester",
		},
		{
			ProductID:   "motor",
			Expression:  `{"if":[{"<":[{"var":"motor:driver:main:age"},25]},1.5,{"<":[{"var":"motor:driver:main:age"},60]},1.0,1.3]}`,
			InputPaths:  []string{"motor:driver:main:age"},
			OutputPaths: []string{"motor:premium:main:age-factor"},
			ActorID:     "tester",
		},
		{
			ProductID:   "motor",
			Expression:  `{"*":[{"var":"motor:premium:main:base-premium"},{"var":"motor:premium:main:age-factor"}]}`,
			InputPaths:  []string{"motor:premium:main:base-premium", "motor:premium:main:age-factor"},
			OutputPaths: []string{"motor:premium:main:final-premium"},
			ActorID:     "tester",
		},
	}
	for i, rl := range rules {
		if _, err := env.Engine.CreateRule(env.Ctx, rl); err != nil {
			t.Fatalf("create rule %d: %v", i, err)
		}
	}
}

func TestProductStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)

	p, err := env.Engine.SetProductStatus(env.Ctx, "motor", domain.ProductPendingApproval, "tester")
	if err != nil || p.Status != domain.ProductPendingApproval {
		t.Fatalf("to pending: %v", err)
	}
	p, err = env.Engine.SetProductStatus(env.Ctx, "motor", domain.ProductActive, "tester")
	if err != nil || p.Status != domain.ProductActive {
		t.Fatalf("to active: %v", err)
	}
	// no way back to draft from active
	if _, err := env.Engine.SetProductStatus(env.Ctx, "motor", domain.ProductDraft, "tester"); err == nil {
		t.Fatalf("expected transition error")
	}
	// a non-draft product rejects structural edits
	_, err = env.Engine.CreateDataType(env.Ctx, engine.DataTypeCreateOptions{
		ProductID: "motor", ID: "extra", Primitive: "string", ActorID: "tester",
	})
	var imm engine.ImmutableError
	if !errors.As(err, &imm) {
		t.Fatalf("expected immutable error, got %v", err)
	}
	p, err = env.Engine.SetProductStatus(env.Ctx, "motor", domain.ProductDiscontinued, "tester")
	if err != nil || p.Status != domain.ProductDiscontinued {
		t.Fatalf("to discontinued: %v", err)
	}
}

func TestPremiumEvaluation(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)

	res, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{ProductID: "motor", ActorID: "tester"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Failed != 0 || res.Skipped != 0 || res.Evaluated != 3 {
		t.Fatalf("unexpected counters: %+v", res)
	}
	if res.Stages != 2 {
		t.Fatalf("expected 2 stages, got %d", res.Stages)
	}
	checks := map[string]float64{
		"motor:premium:main:base-premium":  2500,
		"motor:premium:main:age-factor":    1.5,
		"motor:premium:main:final-premium": 3750,
	}
	for path, want := range checks {
		got, ok := res.Outputs[path].(float64)
		if !ok || got != want {
			t.Fatalf("output %s: want %v, got %v", path, want, res.Outputs[path])
		}
	}
}

func TestEvaluationIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)
	first, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{ProductID: "motor", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		res, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{ProductID: "motor", ActorID: "tester"})
		if err != nil {
			t.Fatal(err)
		}
		for path, want := range first.Outputs {
			if res.Outputs[path] != want {
				t.Fatalf("run %d: output %s drifted from %v to %v", i, path, want, res.Outputs[path])
			}
		}
		for j := range res.Results {
			if res.Results[j].RuleID != first.Results[j].RuleID {
				t.Fatalf("run %d: result order drifted", i)
			}
		}
	}
}

func TestEvaluateInputOverlay(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)
	res, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{
		ProductID: "motor",
		Inputs:    map[string]any{"motor:driver:main:age": 70},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := res.Outputs["motor:premium:main:age-factor"].(float64); got != 1.3 {
		t.Fatalf("age factor for 70: want 1.3, got %v", got)
	}
	if got := res.Outputs["motor:premium:main:final-premium"].(float64); got != 3250 {
		t.Fatalf("final premium: want 3250, got %v", got)
	}
}

func TestEvaluateMissingInputs(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{ID: "fleet", Name: "Fleet", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateDataType(env.Ctx, engine.DataTypeCreateOptions{ProductID: "fleet", ID: "num", Primitive: "float", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"age", "age-factor"} {
		if _, err := env.Engine.CreateAbstractAttribute(env.Ctx, engine.AbstractAttributeCreateOptions{
			ProductID: "fleet", ComponentType: "driver", Name: name, DataTypeID: "num", ActorID: "tester",
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.CreateAttribute(env.Ctx, engine.AttributeCreateOptions{
			ProductID: "fleet", ComponentType: "driver", ComponentID: "main", Name: name,
			ValueType: domain.ValueTypeJustDefinition, ActorID: "tester",
		}); err != nil {
			t.Fatal(err)
		}
	}
	rl, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		ProductID:   "fleet",
		Expression:  `{"if":[{"<":[{"var":"fleet:driver:main:age"},25]},1.5,1.0]}`,
		InputPaths:  []string{"fleet:driver:main:age"},
		OutputPaths: []string{"fleet:driver:main:age-factor"},
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatal(err)
	}

	// nothing provides the age: the rule must be skipped, not failed
	res, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{ProductID: "fleet", ActorID: "tester"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Skipped != 1 || res.Failed != 0 {
		t.Fatalf("expected one skip: %+v", res)
	}
	rr := res.Results[0]
	if rr.RuleID != rl.ID || rr.Status != engine.RuleSkipped || rr.SkipReason != engine.SkipMissingInputs {
		t.Fatalf("unexpected result %+v", rr)
	}
	if len(rr.Missing) != 1 || rr.Missing[0] != "fleet:driver:main:age" {
		t.Fatalf("expected missing path, got %v", rr.Missing)
	}

	// providing the input at evaluation time unblocks the rule
	res, err = env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{
		ProductID: "fleet",
		Inputs:    map[string]any{"fleet:driver:main:age": 40},
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Evaluated != 1 || res.Outputs["fleet:driver:main:age-factor"].(float64) != 1.0 {
		t.Fatalf("expected evaluated rule: %+v", res)
	}
}

func TestRuleConstraintsAggregated(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)

	// second writer for base-premium plus an undeclared input, both
	// reported in one error
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		ProductID:   "motor",
		Expression:  `{"var":"motor:driver:main:age"}`,
		InputPaths:  []string{"motor:coverage:main:sum-insured"},
		OutputPaths: []string{"motor:premium:main:base-premium"},
		ActorID:     "tester",
	})
	var cerr engine.ConstraintError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	codes := map[string]bool{}
	for _, v := range cerr.Violations {
		codes[v.Code] = true
	}
	if !codes[engine.CodeDuplicateOutput] || !codes[engine.CodeInvalidExpression] {
		t.Fatalf("missing expected violations: %+v", cerr.Violations)
	}
}

func TestRuleCycleRejectedAtWrite(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)

	// closing the loop final-premium -> sum-insured must be refused
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		ProductID:   "motor",
		Expression:  `{"*":[{"var":"motor:premium:main:final-premium"},2]}`,
		InputPaths:  []string{"motor:premium:main:final-premium"},
		OutputPaths: []string{"motor:coverage:main:sum-insured"},
		ActorID:     "tester",
	})
	var cerr engine.ConstraintError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	found := false
	for _, v := range cerr.Violations {
		if v.Code == engine.CodeRuleCycle {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cycle violation: %+v", cerr.Violations)
	}
}

func TestFunctionalityActivationLocks(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)

	if _, err := env.Engine.CreateFunctionality(env.Ctx, engine.FunctionalityCreateOptions{
		ProductID:          "motor",
		Name:               "quote",
		RequiredAttributes: []string{"motor:premium:main:final-premium"},
		ActorID:            "tester",
	}); err != nil {
		t.Fatalf("create functionality: %v", err)
	}
	if _, err := env.Engine.SetFunctionalityStatus(env.Ctx, "motor", "quote", domain.FunctionalityPendingApproval, "tester"); err != nil {
		t.Fatalf("to pending: %v", err)
	}
	f, err := env.Engine.SetFunctionalityStatus(env.Ctx, "motor", "quote", domain.FunctionalityActive, "tester")
	if err != nil {
		t.Fatalf("to active: %v", err)
	}
	if !f.Immutable {
		t.Fatalf("expected activation to lock the functionality")
	}

	// the locked declaration rejects value changes
	_, err = env.Engine.SetAttributeValue(env.Ctx, "motor:premium:main:final-premium", domain.ValueTypeFixed, "1", "tester")
	var imm engine.ImmutableError
	if !errors.As(err, &imm) {
		t.Fatalf("expected immutable error, got %v", err)
	}

	// so does the functionality itself
	desc := "changed"
	_, err = env.Engine.UpdateFunctionality(env.Ctx, engine.FunctionalityUpdateOptions{
		ProductID: "motor", Name: "quote", Description: &desc, ActorID: "tester",
	})
	if !errors.As(err, &imm) {
		t.Fatalf("expected immutable error, got %v", err)
	}

	// upstream attributes can still be read but a modification check
	// warns that the change would ripple into the locked premium
	check, err := env.Engine.CheckModification(env.Ctx, "motor:coverage:main:sum-insured")
	if err != nil {
		t.Fatalf("check modification: %v", err)
	}
	if check.Allowed {
		t.Fatalf("expected modification to be refused: %+v", check)
	}
	if len(check.ImmutablePaths) == 0 {
		t.Fatalf("expected locked downstream paths")
	}
}

func TestImpactAnalysis(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)
	if _, err := env.Engine.CreateFunctionality(env.Ctx, engine.FunctionalityCreateOptions{
		ProductID:          "motor",
		Name:               "quote",
		RequiredAttributes: []string{"motor:premium:main:final-premium"},
		ActorID:            "tester",
	}); err != nil {
		t.Fatal(err)
	}

	impact, err := env.Engine.AnalyzeImpact(env.Ctx, "motor:coverage:main:sum-insured")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	distances := map[string]int{}
	for _, node := range impact.Downstream {
		distances[node.Path] = node.Distance
	}
	if distances["motor:premium:main:base-premium"] != 1 {
		t.Fatalf("base premium distance: %+v", distances)
	}
	if distances["motor:premium:main:final-premium"] != 2 {
		t.Fatalf("final premium distance: %+v", distances)
	}
	if len(impact.AffectedFunctionalities) != 1 || impact.AffectedFunctionalities[0] != "quote" {
		t.Fatalf("affected functionalities: %v", impact.AffectedFunctionalities)
	}

	// upstream stops one rule hop away
	impact, err = env.Engine.AnalyzeImpact(env.Ctx, "motor:premium:main:final-premium")
	if err != nil {
		t.Fatal(err)
	}
	ups := map[string]bool{}
	for _, node := range impact.Upstream {
		ups[node.Path] = true
	}
	if !ups["motor:premium:main:base-premium"] || !ups["motor:premium:main:age-factor"] {
		t.Fatalf("upstream: %+v", impact.Upstream)
	}
	if ups["motor:coverage:main:sum-insured"] {
		t.Fatalf("upstream should not be transitive: %+v", impact.Upstream)
	}
}

func TestCloneProduct(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)
	if _, err := env.Engine.CreateFunctionality(env.Ctx, engine.FunctionalityCreateOptions{
		ProductID:          "motor",
		Name:               "quote",
		RequiredAttributes: []string{"motor:premium:main:final-premium"},
		ActorID:            "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetFunctionalityStatus(env.Ctx, "motor", "quote", domain.FunctionalityPendingApproval, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetFunctionalityStatus(env.Ctx, "motor", "quote", domain.FunctionalityActive, "tester"); err != nil {
		t.Fatal(err)
	}

	res, err := env.Engine.CloneProduct(env.Ctx, engine.CloneOptions{
		SourceID: "motor", NewID: "motorv2", NewName: "Motor Insurance v2", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if res.Product.Status != domain.ProductDraft {
		t.Fatalf("clone should start as draft, got %s", res.Product.Status)
	}
	if res.Product.ParentID == nil || *res.Product.ParentID != "motor" {
		t.Fatalf("clone should track its source")
	}
	if res.Rules != 3 || res.Attributes != 5 || res.Functionalities != 1 {
		t.Fatalf("unexpected clone counts: %+v", res)
	}
	if got := res.PathMap["motor:premium:main:final-premium"]; got != "motorv2:premium:main:final-premium" {
		t.Fatalf("path map attribute entry: %q", got)
	}
	if got := res.PathMap["motor:abstract-path:premium:final-premium"]; got != "motorv2:abstract-path:premium:final-premium" {
		t.Fatalf("path map declaration entry: %q", got)
	}

	// the clone evaluates under its own namespace with identical results
	eval, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{ProductID: "motorv2", ActorID: "tester"})
	if err != nil {
		t.Fatalf("evaluate clone: %v", err)
	}
	if got := eval.Outputs["motorv2:premium:main:final-premium"].(float64); got != 3750 {
		t.Fatalf("clone final premium: want 3750, got %v", got)
	}

	// the locked declaration came over unlocked
	_, err = env.Engine.SetAttributeValue(env.Ctx, "motorv2:premium:main:final-premium", domain.ValueTypeJustDefinition, "", "tester")
	if err == nil {
		t.Fatalf("expected rule binding to refuse direct reset via JUST_DEFINITION on bound attribute")
	}
	check, err := env.Engine.CheckModification(env.Ctx, "motorv2:coverage:main:sum-insured")
	if err != nil {
		t.Fatal(err)
	}
	if !check.Allowed {
		t.Fatalf("clone should be editable: %+v", check)
	}

	// the source is untouched
	if _, err := env.Engine.SetAttributeValue(env.Ctx, "motor:premium:main:final-premium", domain.ValueTypeFixed, "1", "tester"); err == nil {
		t.Fatalf("source lock must survive the clone")
	}
}

func TestCloneRespectsLimits(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)
	env.Engine.Config.Engine.CloneLimits.Attributes = 2
	_, err := env.Engine.CloneProduct(env.Ctx, engine.CloneOptions{SourceID: "motor", NewID: "motorv2", ActorID: "tester"})
	var lerr engine.LimitError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected limit error, got %v", err)
	}
}

func TestValidateProductReport(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)

	// an unbound attribute only warns
	if _, err := env.Engine.CreateAbstractAttribute(env.Ctx, engine.AbstractAttributeCreateOptions{
		ProductID: "motor", ComponentType: "driver", Name: "experience", DataTypeID: "age", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateAttribute(env.Ctx, engine.AttributeCreateOptions{
		ProductID: "motor", ComponentType: "driver", ComponentID: "main", Name: "experience",
		ValueType: domain.ValueTypeJustDefinition, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	report, err := env.Engine.ValidateProduct(env.Ctx, "motor")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Valid {
		t.Fatalf("expected valid product: %+v", report.Errors)
	}
	found := false
	for _, w := range report.Warnings {
		if w.Code == engine.CodeAttributeNoValue && w.Subject == "motor:driver:main:experience" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected no-value warning: %+v", report.Warnings)
	}
}

func TestRuleResultsCheckedAgainstEnumeration(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)

	if _, err := env.Engine.CreateEnumeration(env.Ctx, engine.EnumerationCreateOptions{
		ProductID: "motor", Name: "risk-class", Values: []string{"low", "high"}, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateDataType(env.Ctx, engine.DataTypeCreateOptions{
		ProductID: "motor", ID: "risk", Primitive: "enum", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateAbstractAttribute(env.Ctx, engine.AbstractAttributeCreateOptions{
		ProductID: "motor", ComponentType: "driver", Name: "risk-class", DataTypeID: "risk",
		Enumeration: "risk-class", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateAttribute(env.Ctx, engine.AttributeCreateOptions{
		ProductID: "motor", ComponentType: "driver", ComponentID: "main", Name: "risk-class",
		ValueType: domain.ValueTypeJustDefinition, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	// "medium" is not in the enumeration; the rule itself is accepted but
	// product validation flags it
	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		ProductID:   "motor",
		Expression:  `{"if":[{"<":[{"var":"motor:driver:main:age"},25]},"high","medium"]}`,
		InputPaths:  []string{"motor:driver:main:age"},
		OutputPaths: []string{"motor:driver:main:risk-class"},
		ActorID:     "tester",
	}); err != nil {
		t.Fatal(err)
	}
	report, err := env.Engine.ValidateProduct(env.Ctx, "motor")
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatalf("expected invalid report")
	}
	found := false
	for _, v := range report.Errors {
		if v.Code == engine.CodeValueOutsideEnumeration {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected enumeration violation: %+v", report.Errors)
	}
	// and the product cannot leave draft in this state
	if _, err := env.Engine.SetProductStatus(env.Ctx, "motor", domain.ProductPendingApproval, "tester"); err == nil {
		t.Fatalf("expected validation to block approval")
	}
}

func TestFixedValueCheckedAgainstDataType(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)
	// age is an integer datatype; a string value must be refused
	_, err := env.Engine.CreateAttribute(env.Ctx, engine.AttributeCreateOptions{
		ProductID: "motor", ComponentType: "driver", ComponentID: "second", Name: "age",
		ValueType: domain.ValueTypeFixed, ValueJSON: `"old"`, ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected datatype mismatch")
	}
}

func TestValueChecksReportedTogether(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{ID: "home", Name: "Home", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	min := 0.0
	rule := `{">=":[{"var":"$value"},1000]}`
	msg := "cover must be at least 1000"
	if _, err := env.Engine.CreateDataType(env.Ctx, engine.DataTypeCreateOptions{
		ProductID: "home", ID: "cover", Primitive: "float",
		Constraints: domain.DataTypeConstraints{Min: &min, RuleExpression: &rule, RuleMessage: &msg},
		ActorID:     "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateAbstractAttribute(env.Ctx, engine.AbstractAttributeCreateOptions{
		ProductID: "home", ComponentType: "coverage", Name: "limit", DataTypeID: "cover", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}

	// a value breaking two constraints reports both, not just the first
	_, err := env.Engine.CreateAttribute(env.Ctx, engine.AttributeCreateOptions{
		ProductID: "home", ComponentType: "coverage", ComponentID: "main", Name: "limit",
		ValueType: domain.ValueTypeFixed, ValueJSON: "-5", ActorID: "tester",
	})
	var cerr engine.ConstraintError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	if len(cerr.Violations) != 2 {
		t.Fatalf("expected both failed checks reported: %+v", cerr.Violations)
	}
	messages := map[string]bool{}
	for _, v := range cerr.Violations {
		if v.Code != engine.CodeValueConstraint {
			t.Fatalf("unexpected violation code %s", v.Code)
		}
		messages[v.Message] = true
	}
	if !messages["below minimum 0"] || !messages[msg] {
		t.Fatalf("missing expected violations: %+v", cerr.Violations)
	}
}

func TestRelationshipCheckedAgainstTargetValues(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProduct(env.Ctx, engine.ProductCreateOptions{ID: "travel", Name: "Travel", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateDataType(env.Ctx, engine.DataTypeCreateOptions{
		ProductID: "travel", ID: "label", Primitive: "string", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateAbstractAttribute(env.Ctx, engine.AbstractAttributeCreateOptions{
		ProductID: "travel", ComponentType: "policy", Name: "plan", DataTypeID: "label", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateAttribute(env.Ctx, engine.AttributeCreateOptions{
		ProductID: "travel", ComponentType: "policy", ComponentID: "main", Name: "plan",
		ValueType: domain.ValueTypeFixed, ValueJSON: `"gold"`, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateAbstractAttribute(env.Ctx, engine.AbstractAttributeCreateOptions{
		ProductID: "travel", ComponentType: "benefit", Name: "tier", DataTypeID: "label",
		Relationships: []domain.Relationship{{Kind: domain.RelationshipEnumeration, TargetPath: "travel:policy:main:plan"}},
		ActorID:       "tester",
	}); err != nil {
		t.Fatal(err)
	}

	// the target's only possible value is "gold"; "silver" must be refused
	_, err := env.Engine.CreateAttribute(env.Ctx, engine.AttributeCreateOptions{
		ProductID: "travel", ComponentType: "benefit", ComponentID: "main", Name: "tier",
		ValueType: domain.ValueTypeFixed, ValueJSON: `"silver"`, ActorID: "tester",
	})
	var cerr engine.ConstraintError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	found := false
	for _, v := range cerr.Violations {
		if v.Code == engine.CodeRelationshipViolation {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected relationship violation: %+v", cerr.Violations)
	}

	if _, err := env.Engine.CreateAttribute(env.Ctx, engine.AttributeCreateOptions{
		ProductID: "travel", ComponentType: "benefit", ComponentID: "main", Name: "tier",
		ValueType: domain.ValueTypeFixed, ValueJSON: `"gold"`, ActorID: "tester",
	}); err != nil {
		t.Fatalf("matching value refused: %v", err)
	}
}

func TestLockedDownstreamBlocksUpstreamEdits(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)

	aa, err := env.Engine.SetAbstractImmutable(env.Ctx, "motor:abstract-path:premium:final-premium", true, "tester")
	if err != nil || !aa.Immutable {
		t.Fatalf("lock: %v", err)
	}

	rules, err := env.Engine.Repo.ListRules(env.Ctx, "motor")
	if err != nil {
		t.Fatal(err)
	}
	var baseRule domain.Rule
	for _, rl := range rules {
		if rl.OutputPaths[0] == "motor:premium:main:base-premium" {
			baseRule = rl
		}
	}

	// editing the rule that produces base-premium would change the locked
	// final-premium downstream; the edit must surface the blocked path
	expr := `{"*":[{"var":"motor:coverage:main:sum-insured"},0.08]}`
	_, err = env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{
		ID: baseRule.ID, Expression: &expr, ActorID: "tester",
	})
	var imm engine.ImmutableError
	if !errors.As(err, &imm) {
		t.Fatalf("expected immutable error, got %v", err)
	}
	blocked := false
	for _, p := range imm.Paths {
		if p == "motor:premium:main:final-premium" {
			blocked = true
		}
	}
	if !blocked {
		t.Fatalf("expected final premium among blocking paths: %v", imm.Paths)
	}

	// deleting the rule and changing an upstream value are refused the
	// same way
	if err := env.Engine.DeleteRule(env.Ctx, baseRule.ID, "tester"); !errors.As(err, &imm) {
		t.Fatalf("expected immutable error on delete, got %v", err)
	}
	_, err = env.Engine.SetAttributeValue(env.Ctx, "motor:coverage:main:sum-insured", domain.ValueTypeFixed, "60000", "tester")
	if !errors.As(err, &imm) {
		t.Fatalf("expected immutable error on value change, got %v", err)
	}

	// unlocking restores all three edits
	if _, err := env.Engine.SetAbstractImmutable(env.Ctx, "motor:abstract-path:premium:final-premium", false, "tester"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{
		ID: baseRule.ID, Expression: &expr, ActorID: "tester",
	}); err != nil {
		t.Fatalf("update after unlock: %v", err)
	}
}

func TestUnlockRefusedWhileFunctionalityActive(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)
	if _, err := env.Engine.CreateFunctionality(env.Ctx, engine.FunctionalityCreateOptions{
		ProductID:          "motor",
		Name:               "quote",
		RequiredAttributes: []string{"motor:premium:main:final-premium"},
		ActorID:            "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetFunctionalityStatus(env.Ctx, "motor", "quote", domain.FunctionalityPendingApproval, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetFunctionalityStatus(env.Ctx, "motor", "quote", domain.FunctionalityActive, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.SetAbstractImmutable(env.Ctx, "motor:abstract-path:premium:final-premium", false, "tester")
	var imm engine.ImmutableError
	if !errors.As(err, &imm) {
		t.Fatalf("expected immutable error, got %v", err)
	}
}

func TestRuleCannotReadItsOwnOutput(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)
	if _, err := env.Engine.CreateAbstractAttribute(env.Ctx, engine.AbstractAttributeCreateOptions{
		ProductID: "motor", ComponentType: "premium", Name: "loading", DataTypeID: "money", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateAttribute(env.Ctx, engine.AttributeCreateOptions{
		ProductID: "motor", ComponentType: "premium", ComponentID: "main", Name: "loading",
		ValueType: domain.ValueTypeJustDefinition, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		ProductID:   "motor",
		Expression:  `{"*":[{"var":"motor:premium:main:loading"},1.1]}`,
		InputPaths:  []string{"motor:premium:main:loading"},
		OutputPaths: []string{"motor:premium:main:loading"},
		ActorID:     "tester",
	})
	var cerr engine.ConstraintError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected constraint error, got %v", err)
	}
	found := false
	for _, v := range cerr.Violations {
		if v.Code == engine.CodeRuleSelfDependency {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected self dependency violation: %+v", cerr.Violations)
	}
}

func TestEvaluateRuleSubsetAndDebug(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)
	rules, err := env.Engine.Repo.ListRules(env.Ctx, "motor")
	if err != nil {
		t.Fatal(err)
	}
	var baseRule domain.Rule
	for _, rl := range rules {
		if rl.OutputPaths[0] == "motor:premium:main:base-premium" {
			baseRule = rl
		}
	}

	res, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{
		ProductID: "motor",
		RuleIDs:   []string{baseRule.ID},
		Debug:     true,
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("evaluate subset: %v", err)
	}
	if res.Evaluated != 1 || len(res.Results) != 1 {
		t.Fatalf("expected exactly the requested rule to run: %+v", res)
	}
	if got := res.Outputs["motor:premium:main:base-premium"].(float64); got != 2500 {
		t.Fatalf("base premium: want 2500, got %v", got)
	}
	inputs := res.Results[0].Inputs
	if got, ok := inputs["motor:coverage:main:sum-insured"].(float64); !ok || got != 50000 {
		t.Fatalf("debug inputs: %+v", inputs)
	}

	plan, err := env.Engine.Plan(env.Ctx, "motor", []string{baseRule.ID})
	if err != nil {
		t.Fatalf("plan subset: %v", err)
	}
	if plan.TotalRules != 1 {
		t.Fatalf("plan subset: %+v", plan)
	}

	if _, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{
		ProductID: "motor", RuleIDs: []string{"no-such-rule"}, ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected unknown rule id error")
	}
}

func TestDisabledRuleReportedAsSkipped(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)
	rules, err := env.Engine.Repo.ListRules(env.Ctx, "motor")
	if err != nil {
		t.Fatal(err)
	}
	var ageRule domain.Rule
	for _, rl := range rules {
		if rl.OutputPaths[0] == "motor:premium:main:age-factor" {
			ageRule = rl
		}
	}
	off := false
	if _, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{ID: ageRule.ID, Enabled: &off, ActorID: "tester"}); err != nil {
		t.Fatalf("disable rule: %v", err)
	}

	res, err := env.Engine.Evaluate(env.Ctx, engine.EvaluateOptions{ProductID: "motor", ActorID: "tester"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var disabled *engine.RuleResult
	for i := range res.Results {
		if res.Results[i].RuleID == ageRule.ID {
			disabled = &res.Results[i]
		}
	}
	if disabled == nil {
		t.Fatalf("disabled rule missing from results: %+v", res.Results)
	}
	if disabled.Status != engine.RuleSkipped || disabled.SkipReason != engine.SkipDisabled {
		t.Fatalf("unexpected result %+v", disabled)
	}
	// final premium loses its age factor input and is skipped too
	if res.Outputs["motor:premium:main:final-premium"] != nil {
		t.Fatalf("final premium must not compute without the factor")
	}
	if res.Skipped != 2 {
		t.Fatalf("expected disabled and starved rule skipped: %+v", res)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	seedMotorProduct(t, env)
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE product_id=?`, "motor")
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	// product + 3 datatypes + 5 abstracts + 5 attributes + 3 rules
	if count < 17 {
		t.Fatalf("expected event rows, got %d", count)
	}
}
