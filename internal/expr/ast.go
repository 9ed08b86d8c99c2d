package expr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Expr is the closed set of expression nodes. An expression document is a
// tree of single-key JSON objects keyed by operator name, decoded once
// into this union; evaluation never inspects raw JSON.
type Expr interface {
	isExpr()
}

// Literal is a constant value.
type Literal struct {
	Value Value
}

// Var looks up a dot-separated path in the evaluation context. A miss
// yields Default if set, else Undefined.
type Var struct {
	Path    string
	Default Expr
}

// Compare is a binary comparison. Op is one of == === != !== < <= > >=.
type Compare struct {
	Op    string
	Left  Expr
	Right Expr
}

// BoolOp is a logical operator. Op is one of and, or, !, !!.
type BoolOp struct {
	Op   string
	Args []Expr
}

// Arith is an arithmetic operator. Op is one of + - * / % min max.
type Arith struct {
	Op   string
	Args []Expr
}

// In tests membership of Needle in Haystack (array element or substring).
type In struct {
	Needle   Expr
	Haystack Expr
}

// Slab is the tiered conditional: ordered guarded cases plus a default.
type Slab struct {
	Cases   []SlabCase
	Default Expr
}

type SlabCase struct {
	Cond   Expr
	Result Expr
}

func (Literal) isExpr() {}
func (Var) isExpr()     {}
func (Compare) isExpr() {}
func (BoolOp) isExpr()  {}
func (Arith) isExpr()   {}
func (In) isExpr()      {}
func (Slab) isExpr()    {}

var compareOps = map[string]bool{
	"==": true, "===": true, "!=": true, "!==": true,
	"<": true, "<=": true, ">": true, ">=": true,
}

var boolOps = map[string]bool{"and": true, "or": true, "!": true, "!!": true}

var arithOps = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "%": true,
	"min": true, "max": true,
}

// Parse decodes an expression document. Unknown operators and malformed
// node shapes are errors here, not at evaluation time.
func Parse(data []byte) (Expr, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid expression json: %w", err)
	}
	return fromRaw(raw)
}

// MustParse is Parse for fixtures; it panics on error.
func MustParse(data string) Expr {
	e, err := Parse([]byte(data))
	if err != nil {
		panic(err)
	}
	return e
}

func fromRaw(raw any) (Expr, error) {
	switch node := raw.(type) {
	case map[string]any:
		if len(node) != 1 {
			return nil, fmt.Errorf("expression node must have exactly one operator key, got %d", len(node))
		}
		for op, args := range node {
			return fromOp(op, args)
		}
		return nil, nil // unreachable
	case []any:
		return constantArray(node)
	default:
		return Literal{Value: FromAny(raw)}, nil
	}
}

// constantArray parses a bare JSON array in expression position. Every
// element must itself be constant; arrays of sub-expressions only appear
// as operator argument lists, never as values.
func constantArray(items []any) (Expr, error) {
	vs := make([]Value, len(items))
	for i, item := range items {
		e, err := fromRaw(item)
		if err != nil {
			return nil, err
		}
		lit, ok := e.(Literal)
		if !ok {
			return nil, fmt.Errorf("array literal element %d is not constant", i)
		}
		vs[i] = lit.Value
	}
	return Literal{Value: Array(vs...)}, nil
}

func fromOp(op string, args any) (Expr, error) {
	switch {
	case op == "var":
		return varNode(args)
	case compareOps[op]:
		list, err := argList(op, args, 2, 2)
		if err != nil {
			return nil, err
		}
		return Compare{Op: op, Left: list[0], Right: list[1]}, nil
	case op == "!" || op == "!!":
		list, err := argList(op, args, 1, 1)
		if err != nil {
			return nil, err
		}
		return BoolOp{Op: op, Args: list}, nil
	case boolOps[op]:
		list, err := argList(op, args, 1, -1)
		if err != nil {
			return nil, err
		}
		return BoolOp{Op: op, Args: list}, nil
	case op == "-":
		list, err := argList(op, args, 1, 2)
		if err != nil {
			return nil, err
		}
		return Arith{Op: op, Args: list}, nil
	case op == "/" || op == "%":
		list, err := argList(op, args, 2, 2)
		if err != nil {
			return nil, err
		}
		return Arith{Op: op, Args: list}, nil
	case arithOps[op]:
		list, err := argList(op, args, 1, -1)
		if err != nil {
			return nil, err
		}
		return Arith{Op: op, Args: list}, nil
	case op == "in":
		list, err := argList(op, args, 2, 2)
		if err != nil {
			return nil, err
		}
		return In{Needle: list[0], Haystack: list[1]}, nil
	case op == "if" || op == "?:":
		return slabNode(op, args)
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func varNode(args any) (Expr, error) {
	switch a := args.(type) {
	case string:
		return Var{Path: a}, nil
	case []any:
		if len(a) == 0 || len(a) > 2 {
			return nil, fmt.Errorf("var takes a path and an optional default")
		}
		path, ok := a[0].(string)
		if !ok {
			return nil, fmt.Errorf("var path must be a string")
		}
		v := Var{Path: path}
		if len(a) == 2 {
			def, err := fromRaw(a[1])
			if err != nil {
				return nil, err
			}
			v.Default = def
		}
		return v, nil
	}
	return nil, fmt.Errorf("var path must be a string")
}

// slabNode decodes the tiered conditional: [c1, r1, c2, r2, ..., default].
// An even-length list has no default; the default is then null.
func slabNode(op string, args any) (Expr, error) {
	list, ok := args.([]any)
	if !ok {
		return nil, fmt.Errorf("%s takes a list of condition/result pairs", op)
	}
	if len(list) < 2 {
		return nil, fmt.Errorf("%s needs at least a condition and a result", op)
	}
	var s Slab
	i := 0
	for ; i+1 < len(list); i += 2 {
		cond, err := fromRaw(list[i])
		if err != nil {
			return nil, err
		}
		result, err := fromRaw(list[i+1])
		if err != nil {
			return nil, err
		}
		s.Cases = append(s.Cases, SlabCase{Cond: cond, Result: result})
	}
	if i < len(list) {
		def, err := fromRaw(list[i])
		if err != nil {
			return nil, err
		}
		s.Default = def
	} else {
		s.Default = Literal{Value: Null()}
	}
	return s, nil
}

func argList(op string, args any, min, max int) ([]Expr, error) {
	list, ok := args.([]any)
	if !ok {
		// single unwrapped argument, e.g. {"!": {"var":"x"}}
		if min > 1 {
			return nil, fmt.Errorf("%s takes at least %d arguments", op, min)
		}
		e, err := fromRaw(args)
		if err != nil {
			return nil, err
		}
		return []Expr{e}, nil
	}
	if len(list) < min {
		return nil, fmt.Errorf("%s takes at least %d arguments, got %d", op, min, len(list))
	}
	if max >= 0 && len(list) > max {
		return nil, fmt.Errorf("%s takes at most %d arguments, got %d", op, max, len(list))
	}
	out := make([]Expr, len(list))
	for i, item := range list {
		e, err := fromRaw(item)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// Vars returns the sorted distinct variable paths referenced anywhere in
// the expression.
func Vars(e Expr) []string {
	seen := map[string]bool{}
	collectVars(e, seen)
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func collectVars(e Expr, seen map[string]bool) {
	switch n := e.(type) {
	case Literal:
	case Var:
		seen[n.Path] = true
		if n.Default != nil {
			collectVars(n.Default, seen)
		}
	case Compare:
		collectVars(n.Left, seen)
		collectVars(n.Right, seen)
	case BoolOp:
		for _, a := range n.Args {
			collectVars(a, seen)
		}
	case Arith:
		for _, a := range n.Args {
			collectVars(a, seen)
		}
	case In:
		collectVars(n.Needle, seen)
		collectVars(n.Haystack, seen)
	case Slab:
		for _, c := range n.Cases {
			collectVars(c.Cond, seen)
			collectVars(c.Result, seen)
		}
		collectVars(n.Default, seen)
	}
}

// Results collects every literal reachable in a result position: the
// expression itself when constant, and each case result and the default of
// any slab, recursively. This is the possible-value set of a rule-driven
// attribute, computable without running the rule.
func Results(e Expr) []Value {
	var out []Value
	collectResults(e, &out)
	// distinct, preserving first-seen order
	var distinct []Value
	for _, v := range out {
		dup := false
		for _, d := range distinct {
			if d.StrictEquals(v) {
				dup = true
				break
			}
		}
		if !dup {
			distinct = append(distinct, v)
		}
	}
	return distinct
}

func collectResults(e Expr, out *[]Value) {
	switch n := e.(type) {
	case Literal:
		*out = append(*out, n.Value)
	case Slab:
		for _, c := range n.Cases {
			collectResults(c.Result, out)
		}
		collectResults(n.Default, out)
	}
}

// NodeCount reports tree size, used for limits and diagnostics.
func NodeCount(e Expr) int {
	n := 1
	switch x := e.(type) {
	case Var:
		if x.Default != nil {
			n += NodeCount(x.Default)
		}
	case Compare:
		n += NodeCount(x.Left) + NodeCount(x.Right)
	case BoolOp:
		for _, a := range x.Args {
			n += NodeCount(a)
		}
	case Arith:
		for _, a := range x.Args {
			n += NodeCount(a)
		}
	case In:
		n += NodeCount(x.Needle) + NodeCount(x.Haystack)
	case Slab:
		for _, c := range x.Cases {
			n += NodeCount(c.Cond) + NodeCount(c.Result)
		}
		n += NodeCount(x.Default)
	}
	return n
}
