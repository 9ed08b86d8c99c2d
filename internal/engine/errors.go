package engine

import (
	"fmt"
	"strings"
)

// ImmutableError reports a write rejected because the target entity is
// locked against in-place modification. Paths lists every locked
// attribute the change would reach, when known.
type ImmutableError struct {
	Entity string
	ID     string
	Reason string
	Paths  []string
}

func (e ImmutableError) Error() string {
	msg := fmt.Sprintf("%s %s is immutable", e.Entity, e.ID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Paths) > 0 {
		msg += " (" + strings.Join(e.Paths, ", ") + ")"
	}
	return msg
}

// Violation codes produced by rule constraint checks and product validation.
const (
	CodeInvalidExpression        = "INVALID_EXPRESSION"
	CodeUnknownInputPath         = "UNKNOWN_INPUT_PATH"
	CodeUnknownOutputPath        = "UNKNOWN_OUTPUT_PATH"
	CodeDuplicateOutput          = "DUPLICATE_OUTPUT"
	CodeRuleCycle                = "RULE_CYCLE"
	CodeMissingRequiredAttribute = "MISSING_REQUIRED_ATTRIBUTE"
	CodeAttributeNoValue         = "ATTRIBUTE_NO_VALUE"
	CodeValueOutsideEnumeration  = "VALUE_OUTSIDE_ENUMERATION"
	CodeRuleNoOutputs            = "RULE_NO_OUTPUTS"
	CodeRuleSelfDependency       = "RULE_SELF_DEPENDENCY"
	CodeValueTypeMismatch        = "VALUE_TYPE_MISMATCH"
	CodeValueConstraint          = "VALUE_CONSTRAINT"
	CodeRelationshipViolation    = "RELATIONSHIP_VIOLATION"
)

// Violation is one failed check, tied to the rule or path it concerns.
type Violation struct {
	Code    string `json:"code"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

// ConstraintError aggregates every violation found in one pass, so a
// caller sees all problems at once instead of fixing them one by one.
type ConstraintError struct {
	Violations []Violation
}

func (e ConstraintError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Code + ": " + v.Message
	}
	return fmt.Sprintf("%d constraint violation(s): %s", len(e.Violations), strings.Join(parts, "; "))
}

// LimitError reports a clone that would exceed a configured entity ceiling.
type LimitError struct {
	Entity string
	Count  int
	Limit  int
}

func (e LimitError) Error() string {
	return fmt.Sprintf("clone would copy %d %s, limit is %d", e.Count, e.Entity, e.Limit)
}
