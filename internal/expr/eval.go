package expr

import (
	"fmt"
	"math"
	"strings"
)

// ValueBinding is the reserved context key bound to the value under
// validation inside constraint expressions.
const ValueBinding = "$value"

// Bindings is the evaluation context: attribute path (or plain name) to
// value.
type Bindings map[string]Value

// EvalError reports an expression the evaluator cannot interpret. It is
// scoped to one evaluation; callers treat it as non-fatal per rule.
type EvalError struct {
	Op     string
	Reason string
}

func (e EvalError) Error() string {
	return fmt.Sprintf("evaluate %s: %s", e.Op, e.Reason)
}

// Eval evaluates an expression against a context. It is total over the
// defined node set: missing variables yield Undefined, comparisons against
// Undefined are false, and arithmetic over Undefined stays Undefined. The
// only runtime errors are division and modulo by zero. Same inputs always
// produce the same output.
func Eval(e Expr, ctx Bindings) (Value, error) {
	switch n := e.(type) {
	case Literal:
		return n.Value, nil
	case Var:
		v := lookup(ctx, n.Path)
		if v.IsUndefined() && n.Default != nil {
			return Eval(n.Default, ctx)
		}
		return v, nil
	case Compare:
		return evalCompare(n, ctx)
	case BoolOp:
		return evalBool(n, ctx)
	case Arith:
		return evalArith(n, ctx)
	case In:
		return evalIn(n, ctx)
	case Slab:
		for _, c := range n.Cases {
			cond, err := Eval(c.Cond, ctx)
			if err != nil {
				return Undefined, err
			}
			if cond.Truthy() {
				return Eval(c.Result, ctx)
			}
		}
		return Eval(n.Default, ctx)
	}
	return Undefined, EvalError{Op: fmt.Sprintf("%T", e), Reason: "unsupported node"}
}

func lookup(ctx Bindings, path string) Value {
	if v, ok := ctx[path]; ok {
		return v
	}
	// dot-separated descent into object values
	parts := strings.Split(path, ".")
	v, ok := ctx[parts[0]]
	if !ok {
		return Undefined
	}
	for _, part := range parts[1:] {
		obj, isObj := v.AsObject()
		if !isObj {
			return Undefined
		}
		v, ok = obj[part]
		if !ok {
			return Undefined
		}
	}
	return v
}

func evalCompare(n Compare, ctx Bindings) (Value, error) {
	left, err := Eval(n.Left, ctx)
	if err != nil {
		return Undefined, err
	}
	right, err := Eval(n.Right, ctx)
	if err != nil {
		return Undefined, err
	}
	switch n.Op {
	case "===":
		return Bool(left.StrictEquals(right)), nil
	case "!==":
		return Bool(!left.StrictEquals(right)), nil
	case "==":
		return Bool(left.LooseEquals(right)), nil
	case "!=":
		return Bool(!left.LooseEquals(right)), nil
	}
	// ordering comparisons coerce both sides to numbers; a missing operand
	// can never satisfy the comparison
	if left.IsUndefined() || right.IsUndefined() {
		return Bool(false), nil
	}
	a, b := left.Number(), right.Number()
	switch n.Op {
	case "<":
		return Bool(a < b), nil
	case "<=":
		return Bool(a <= b), nil
	case ">":
		return Bool(a > b), nil
	case ">=":
		return Bool(a >= b), nil
	}
	return Undefined, EvalError{Op: n.Op, Reason: "unknown comparison"}
}

func evalBool(n BoolOp, ctx Bindings) (Value, error) {
	switch n.Op {
	case "!":
		v, err := Eval(n.Args[0], ctx)
		if err != nil {
			return Undefined, err
		}
		return Bool(!v.Truthy()), nil
	case "!!":
		v, err := Eval(n.Args[0], ctx)
		if err != nil {
			return Undefined, err
		}
		return Bool(v.Truthy()), nil
	case "and":
		for _, a := range n.Args {
			v, err := Eval(a, ctx)
			if err != nil {
				return Undefined, err
			}
			if !v.Truthy() {
				return Bool(false), nil
			}
		}
		return Bool(true), nil
	case "or":
		for _, a := range n.Args {
			v, err := Eval(a, ctx)
			if err != nil {
				return Undefined, err
			}
			if v.Truthy() {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	}
	return Undefined, EvalError{Op: n.Op, Reason: "unknown boolean operator"}
}

func evalArith(n Arith, ctx Bindings) (Value, error) {
	vals := make([]Value, len(n.Args))
	for i, a := range n.Args {
		v, err := Eval(a, ctx)
		if err != nil {
			return Undefined, err
		}
		if v.IsUndefined() {
			return Undefined, nil
		}
		vals[i] = v
	}
	allInt := true
	for _, v := range vals {
		if v.Kind() != KindInt {
			allInt = false
			break
		}
	}
	nums := make([]float64, len(vals))
	for i, v := range vals {
		nums[i] = v.Number()
	}
	switch n.Op {
	case "+":
		sum := 0.0
		for _, f := range nums {
			sum += f
		}
		return numeric(sum, allInt), nil
	case "*":
		prod := 1.0
		for _, f := range nums {
			prod *= f
		}
		return numeric(prod, allInt), nil
	case "-":
		if len(nums) == 1 {
			return numeric(-nums[0], allInt), nil
		}
		return numeric(nums[0]-nums[1], allInt), nil
	case "/":
		if nums[1] == 0 {
			return Undefined, EvalError{Op: "/", Reason: "division by zero"}
		}
		return Float(nums[0] / nums[1]), nil
	case "%":
		if nums[1] == 0 {
			return Undefined, EvalError{Op: "%", Reason: "modulo by zero"}
		}
		if allInt {
			a, _ := vals[0].AsInt()
			b, _ := vals[1].AsInt()
			return Int(a % b), nil
		}
		return Float(math.Mod(nums[0], nums[1])), nil
	case "min":
		m := nums[0]
		for _, f := range nums[1:] {
			if f < m {
				m = f
			}
		}
		return numeric(m, allInt), nil
	case "max":
		m := nums[0]
		for _, f := range nums[1:] {
			if f > m {
				m = f
			}
		}
		return numeric(m, allInt), nil
	}
	return Undefined, EvalError{Op: n.Op, Reason: "unknown arithmetic operator"}
}

func numeric(f float64, asInt bool) Value {
	if asInt && f == math.Trunc(f) {
		return Int(int64(f))
	}
	return Float(f)
}

func evalIn(n In, ctx Bindings) (Value, error) {
	needle, err := Eval(n.Needle, ctx)
	if err != nil {
		return Undefined, err
	}
	haystack, err := Eval(n.Haystack, ctx)
	if err != nil {
		return Undefined, err
	}
	if needle.IsUndefined() || haystack.IsUndefined() {
		return Bool(false), nil
	}
	if arr, ok := haystack.AsArray(); ok {
		for _, e := range arr {
			if e.StrictEquals(needle) {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	}
	if s, ok := haystack.AsString(); ok {
		sub, isStr := needle.AsString()
		return Bool(isStr && strings.Contains(s, sub)), nil
	}
	return Bool(false), nil
}
