package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"productline/internal/domain"
	"productline/internal/expr"
	"productline/internal/repo"
)

// parseConstraintRule parses a rule_expression constraint. The expression
// may only read the candidate value, bound to $value.
func parseConstraintRule(raw string) (expr.Expr, error) {
	parsed, err := expr.Parse([]byte(raw))
	if err != nil {
		return nil, err
	}
	for _, v := range expr.Vars(parsed) {
		if v != expr.ValueBinding {
			return nil, fmt.Errorf("constraint rule may only read %s, found %s", expr.ValueBinding, v)
		}
	}
	return parsed, nil
}

// ValidateValue checks a candidate value against the abstract attribute's
// datatype, constraints, enumeration and relationships. The checks run
// independently; every failed one lands in the returned ConstraintError
// so the caller sees all problems in one pass.
func (e Engine) ValidateValue(ctx context.Context, abstract domain.AbstractAttribute, valueJSON string) error {
	var v expr.Value
	if err := v.UnmarshalJSON([]byte(valueJSON)); err != nil {
		return fmt.Errorf("invalid value for %s: %w", abstract.Path, err)
	}
	dt, err := e.Repo.GetDataType(ctx, abstract.ProductID, abstract.DataTypeID)
	if err != nil {
		return err
	}
	var violations []Violation
	if err := checkValueKind(dt.Primitive, v); err != nil {
		violations = append(violations, Violation{
			Code:    CodeValueTypeMismatch,
			Subject: abstract.Path,
			Message: err.Error(),
		})
	}
	violations = append(violations, checkValueConstraints(dt, v, abstract.Path)...)
	if abstract.Enumeration != nil {
		en, err := e.Repo.GetEnumeration(ctx, abstract.ProductID, *abstract.Enumeration)
		if err != nil {
			return err
		}
		for _, member := range enumerationMembers(v) {
			if err := checkEnumerationMember(en, member); err != nil {
				violations = append(violations, Violation{
					Code:    CodeValueOutsideEnumeration,
					Subject: abstract.Path,
					Message: err.Error(),
				})
			}
		}
	}
	relViolations, err := e.checkRelationships(ctx, abstract, v)
	if err != nil {
		return err
	}
	violations = append(violations, relViolations...)
	if len(violations) > 0 {
		return ConstraintError{Violations: violations}
	}
	return nil
}

// enumerationMembers lists the scalars an enumeration check applies to:
// the value itself for a scalar, every element for an array, every field
// value for an object.
func enumerationMembers(v expr.Value) []expr.Value {
	if items, ok := v.AsArray(); ok {
		return items
	}
	if fields, ok := v.AsObject(); ok {
		members := make([]expr.Value, 0, len(fields))
		for _, key := range sortedKeys(fields) {
			members = append(members, fields[key])
		}
		return members
	}
	return []expr.Value{v}
}

func sortedKeys(fields map[string]expr.Value) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// checkRelationships validates the value against each relationship the
// abstract attribute declares. The candidate values depend on the kind:
// the value itself (or each array element) for enumeration, the object
// keys for key-enumeration, the object field values for value-enumeration.
// Each candidate must be among the target attribute's possible values.
func (e Engine) checkRelationships(ctx context.Context, abstract domain.AbstractAttribute, v expr.Value) ([]Violation, error) {
	var violations []Violation
	for _, rel := range abstract.Relationships {
		possible, err := e.relationshipValues(ctx, rel.TargetPath)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if possible == nil {
			continue
		}
		var candidates []expr.Value
		switch rel.Kind {
		case domain.RelationshipKeyEnumeration:
			fields, ok := v.AsObject()
			if !ok {
				violations = append(violations, Violation{
					Code:    CodeRelationshipViolation,
					Subject: abstract.Path,
					Message: fmt.Sprintf("%s relationship with %s needs an object value, got %s", rel.Kind, rel.TargetPath, v.Kind()),
				})
				continue
			}
			for _, key := range sortedKeys(fields) {
				candidates = append(candidates, expr.String(key))
			}
		case domain.RelationshipValueEnumeration:
			fields, ok := v.AsObject()
			if !ok {
				violations = append(violations, Violation{
					Code:    CodeRelationshipViolation,
					Subject: abstract.Path,
					Message: fmt.Sprintf("%s relationship with %s needs an object value, got %s", rel.Kind, rel.TargetPath, v.Kind()),
				})
				continue
			}
			for _, key := range sortedKeys(fields) {
				candidates = append(candidates, fields[key])
			}
		default:
			if items, ok := v.AsArray(); ok {
				candidates = items
			} else {
				candidates = []expr.Value{v}
			}
		}
		for _, c := range candidates {
			if !containsValue(possible, c) {
				violations = append(violations, Violation{
					Code:    CodeRelationshipViolation,
					Subject: abstract.Path,
					Message: fmt.Sprintf("%v is not a possible value of %s", c.Interface(), rel.TargetPath),
				})
			}
		}
	}
	return violations, nil
}

// relationshipValues derives the set of values the target attribute can
// take: its literal for a fixed value, every literal in result position of
// its producing rule's expression for a rule-driven one. A nil set means
// the target constrains nothing.
func (e Engine) relationshipValues(ctx context.Context, targetPath string) ([]expr.Value, error) {
	a, err := e.Repo.GetAttribute(ctx, targetPath)
	if err != nil {
		return nil, err
	}
	switch a.ValueType {
	case domain.ValueTypeFixed:
		if a.ValueJSON == nil {
			return nil, nil
		}
		var v expr.Value
		if err := v.UnmarshalJSON([]byte(*a.ValueJSON)); err != nil {
			return nil, nil
		}
		return []expr.Value{v}, nil
	case domain.ValueTypeRuleDriven:
		if a.RuleID == nil {
			return nil, nil
		}
		rl, err := e.Repo.GetRule(ctx, *a.RuleID)
		if err != nil {
			return nil, err
		}
		parsed, err := expr.Parse([]byte(rl.Expression))
		if err != nil {
			return nil, nil
		}
		results := expr.Results(parsed)
		if len(results) == 0 {
			return nil, nil
		}
		return results, nil
	}
	return nil, nil
}

func containsValue(set []expr.Value, v expr.Value) bool {
	for _, member := range set {
		if member.StrictEquals(v) {
			return true
		}
	}
	return false
}

func checkValueKind(primitive string, v expr.Value) error {
	switch primitive {
	case domain.PrimitiveString, domain.PrimitiveDatetime, domain.PrimitiveEnum:
		if _, ok := v.AsString(); !ok {
			return fmt.Errorf("want %s, got %s", primitive, v.Kind())
		}
	case domain.PrimitiveInteger:
		if _, ok := v.AsInt(); !ok {
			return fmt.Errorf("want integer, got %s", v.Kind())
		}
	case domain.PrimitiveFloat, domain.PrimitiveDecimal:
		if !v.IsNumeric() {
			return fmt.Errorf("want %s, got %s", primitive, v.Kind())
		}
	case domain.PrimitiveBoolean:
		if _, ok := v.AsBool(); !ok {
			return fmt.Errorf("want boolean, got %s", v.Kind())
		}
	case domain.PrimitiveArray:
		if _, ok := v.AsArray(); !ok {
			return fmt.Errorf("want array, got %s", v.Kind())
		}
	case domain.PrimitiveObject:
		if _, ok := v.AsObject(); !ok {
			return fmt.Errorf("want object, got %s", v.Kind())
		}
	}
	return nil
}

// checkValueConstraints runs every datatype constraint against the value
// and reports each failure on its own; one failed bound never hides
// another.
func checkValueConstraints(dt domain.DataType, v expr.Value, subject string) []Violation {
	c := dt.Constraints
	var violations []Violation
	fail := func(format string, args ...any) {
		violations = append(violations, Violation{
			Code:    CodeValueConstraint,
			Subject: subject,
			Message: fmt.Sprintf(format, args...),
		})
	}
	if c.Min != nil && v.IsNumeric() && v.Number() < *c.Min {
		fail("below minimum %v", *c.Min)
	}
	if c.Max != nil && v.IsNumeric() && v.Number() > *c.Max {
		fail("above maximum %v", *c.Max)
	}
	if s, ok := v.AsString(); ok {
		if c.MinLength != nil && len(s) < *c.MinLength {
			fail("shorter than %d characters", *c.MinLength)
		}
		if c.MaxLength != nil && len(s) > *c.MaxLength {
			fail("longer than %d characters", *c.MaxLength)
		}
		if c.Pattern != nil {
			re, err := regexp.Compile(*c.Pattern)
			if err != nil {
				fail("constraint pattern: %v", err)
			} else if !re.MatchString(s) {
				fail("does not match pattern %s", *c.Pattern)
			}
		}
	}
	if v.IsNumeric() && dt.Primitive == domain.PrimitiveDecimal {
		if err := checkDecimal(v.Number(), c.Precision, c.Scale); err != nil {
			fail("%v", err)
		}
	}
	if items, ok := v.AsArray(); ok {
		if c.MinItems != nil && len(items) < *c.MinItems {
			fail("fewer than %d items", *c.MinItems)
		}
		if c.MaxItems != nil && len(items) > *c.MaxItems {
			fail("more than %d items", *c.MaxItems)
		}
		if c.UniqueItems != nil && *c.UniqueItems {
		unique:
			for i := range items {
				for j := i + 1; j < len(items); j++ {
					if items[i].StrictEquals(items[j]) {
						fail("items are not unique")
						break unique
					}
				}
			}
		}
	}
	if c.RuleExpression != nil {
		switch result, err := evalConstraintRule(*c.RuleExpression, v); {
		case err != nil:
			fail("constraint rule: %v", err)
		case !result.Truthy() && c.RuleMessage != nil:
			fail("%s", *c.RuleMessage)
		case !result.Truthy():
			fail("constraint rule not satisfied")
		}
	}
	return violations
}

func evalConstraintRule(raw string, v expr.Value) (expr.Value, error) {
	parsed, err := parseConstraintRule(raw)
	if err != nil {
		return expr.Value{}, err
	}
	return expr.Eval(parsed, expr.Bindings{expr.ValueBinding: v})
}

func checkDecimal(n float64, precision, scale *int) error {
	text := strconv.FormatFloat(math.Abs(n), 'f', -1, 64)
	digits := strings.Replace(text, ".", "", 1)
	if precision != nil && len(digits) > *precision {
		return fmt.Errorf("more than %d significant digits", *precision)
	}
	if scale != nil {
		if dot := strings.IndexByte(text, '.'); dot >= 0 && len(text)-dot-1 > *scale {
			return fmt.Errorf("more than %d decimal places", *scale)
		}
	}
	return nil
}

func checkEnumerationMember(en domain.Enumeration, v expr.Value) error {
	s, ok := v.AsString()
	if !ok {
		return fmt.Errorf("enumeration %s values are strings, got %s", en.Name, v.Kind())
	}
	for _, allowed := range en.Values {
		if s == allowed {
			return nil
		}
	}
	return fmt.Errorf("%q is not a value of enumeration %s", s, en.Name)
}

// ValidationReport is the outcome of validating a whole product.
type ValidationReport struct {
	ProductID string      `json:"product_id"`
	Valid     bool        `json:"valid"`
	Errors    []Violation `json:"errors"`
	Warnings  []Violation `json:"warnings"`
}

// ValidateProduct audits a product's whole definition. Errors block
// submission for approval; warnings do not.
func (e Engine) ValidateProduct(ctx context.Context, productID string) (ValidationReport, error) {
	report := ValidationReport{ProductID: productID, Errors: []Violation{}, Warnings: []Violation{}}
	if _, err := e.Repo.GetProduct(ctx, productID); err != nil {
		return report, err
	}
	attrs, err := e.Repo.ListAttributes(ctx, productID)
	if err != nil {
		return report, err
	}
	byPath := make(map[string]domain.Attribute, len(attrs))
	for _, a := range attrs {
		byPath[a.Path] = a
	}
	fns, err := e.Repo.ListFunctionalities(ctx, productID)
	if err != nil {
		return report, err
	}
	for _, f := range fns {
		for _, required := range f.RequiredAttributes {
			if _, ok := byPath[required]; !ok {
				report.Errors = append(report.Errors, Violation{
					Code:    CodeMissingRequiredAttribute,
					Subject: required,
					Message: fmt.Sprintf("functionality %s requires %s which does not exist", f.Name, required),
				})
			}
		}
	}
	for _, a := range attrs {
		if a.ValueType == domain.ValueTypeJustDefinition {
			report.Warnings = append(report.Warnings, Violation{
				Code:    CodeAttributeNoValue,
				Subject: a.Path,
				Message: "attribute has neither a fixed value nor a producing rule",
			})
		}
	}
	rules, err := e.Repo.ListRules(ctx, productID)
	if err != nil {
		return report, err
	}
	for _, rl := range rules {
		if len(rl.OutputPaths) == 0 {
			report.Warnings = append(report.Warnings, Violation{
				Code:    CodeRuleNoOutputs,
				Subject: rl.ID,
				Message: "rule produces no attribute",
			})
			continue
		}
		for _, v := range e.checkRuleEnumerations(ctx, rl, byPath) {
			report.Errors = append(report.Errors, v)
		}
	}
	report.Valid = len(report.Errors) == 0
	return report, nil
}

// checkRuleEnumerations cross-checks a rule's possible literal results
// against the enumerations of the attributes it writes.
func (e Engine) checkRuleEnumerations(ctx context.Context, rl domain.Rule, byPath map[string]domain.Attribute) []Violation {
	parsed, err := expr.Parse([]byte(rl.Expression))
	if err != nil {
		return nil
	}
	results := expr.Results(parsed)
	if len(results) == 0 {
		return nil
	}
	var violations []Violation
	for _, out := range rl.OutputPaths {
		a, ok := byPath[out]
		if !ok {
			continue
		}
		abstract, err := e.Repo.GetAbstractAttribute(ctx, a.AbstractPath)
		if err != nil || abstract.Enumeration == nil {
			continue
		}
		en, err := e.Repo.GetEnumeration(ctx, abstract.ProductID, *abstract.Enumeration)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			continue
		}
		for _, result := range results {
			if err := checkEnumerationMember(en, result); err != nil {
				violations = append(violations, Violation{
					Code:    CodeValueOutsideEnumeration,
					Subject: out,
					Message: fmt.Sprintf("rule %s: %v", rl.ID, err),
				})
			}
		}
	}
	return violations
}
