package expr_test

import (
	"testing"

	"productline/internal/expr"
)

func TestParseRejectsUnknownOperator(t *testing.T) {
	if _, err := expr.Parse([]byte(`{"frobnicate": [1, 2]}`)); err == nil {
		t.Fatalf("expected unknown operator error")
	}
	if _, err := expr.Parse([]byte(`{"var": "a", ">": [1, 2]}`)); err == nil {
		t.Fatalf("expected single-key error")
	}
	if _, err := expr.Parse([]byte(`{"/": [1]}`)); err == nil {
		t.Fatalf("expected arity error")
	}
}

func TestVarLookupAndUndefined(t *testing.T) {
	ctx := expr.Bindings{
		"customer_age": expr.Int(20),
		"vehicle": expr.Object(map[string]expr.Value{
			"value": expr.Int(50000),
		}),
	}
	v, err := expr.Eval(expr.MustParse(`{"var": "customer_age"}`), ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got, _ := v.AsInt(); got != 20 {
		t.Fatalf("got %v", v)
	}
	v, err = expr.Eval(expr.MustParse(`{"var": "vehicle.value"}`), ctx)
	if err != nil {
		t.Fatalf("eval nested: %v", err)
	}
	if got, _ := v.AsInt(); got != 50000 {
		t.Fatalf("got %v", v)
	}
	v, err = expr.Eval(expr.MustParse(`{"var": "missing"}`), ctx)
	if err != nil {
		t.Fatalf("eval missing: %v", err)
	}
	if !v.IsUndefined() {
		t.Fatalf("expected undefined, got %v", v)
	}
	v, err = expr.Eval(expr.MustParse(`{"var": ["missing", 7]}`), ctx)
	if err != nil {
		t.Fatalf("eval default: %v", err)
	}
	if got, _ := v.AsInt(); got != 7 {
		t.Fatalf("default: got %v", v)
	}
}

func TestUndefinedComparesFalse(t *testing.T) {
	ctx := expr.Bindings{}
	for _, src := range []string{
		`{">": [{"var": "nope"}, 0]}`,
		`{"<=": [{"var": "nope"}, 100]}`,
		`{"===": [{"var": "nope"}, {"var": "also_nope"}]}`,
		`{"==": [{"var": "nope"}, null]}`,
		`{"in": [{"var": "nope"}, ["a", "b"]]}`,
	} {
		v, err := expr.Eval(expr.MustParse(src), ctx)
		if err != nil {
			t.Fatalf("%s: %v", src, err)
		}
		if b, _ := v.AsBool(); b {
			t.Fatalf("%s: expected false", src)
		}
	}
}

func TestStrictVersusLooseEquality(t *testing.T) {
	ctx := expr.Bindings{"n": expr.Int(5), "s": expr.String("5")}
	v, _ := expr.Eval(expr.MustParse(`{"===": [{"var": "n"}, {"var": "s"}]}`), ctx)
	if b, _ := v.AsBool(); b {
		t.Fatalf("strict equality must not coerce string to number")
	}
	v, _ = expr.Eval(expr.MustParse(`{"==": [{"var": "n"}, {"var": "s"}]}`), ctx)
	if b, _ := v.AsBool(); !b {
		t.Fatalf("loose equality coerces numeric strings")
	}
	v, _ = expr.Eval(expr.MustParse(`{"===": [5, 5.0]}`), ctx)
	if b, _ := v.AsBool(); !b {
		t.Fatalf("integer and float with same numeric value are strictly equal")
	}
}

func TestArithmetic(t *testing.T) {
	ctx := expr.Bindings{"vehicle_value": expr.Int(50000)}
	v, err := expr.Eval(expr.MustParse(`{"*": [{"var": "vehicle_value"}, 0.05]}`), ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if f, _ := v.AsFloat(); f != 2500 {
		t.Fatalf("got %v", v)
	}
	if _, err := expr.Eval(expr.MustParse(`{"/": [1, 0]}`), ctx); err == nil {
		t.Fatalf("expected division by zero error")
	}
	v, err = expr.Eval(expr.MustParse(`{"+": [{"var": "missing"}, 1]}`), ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !v.IsUndefined() {
		t.Fatalf("arithmetic over undefined must stay undefined, got %v", v)
	}
	v, _ = expr.Eval(expr.MustParse(`{"min": [3, 1, 2]}`), ctx)
	if got, _ := v.AsInt(); got != 1 {
		t.Fatalf("min: got %v", v)
	}
}

func TestSlabOrderAndDefault(t *testing.T) {
	slab := expr.MustParse(`{"if": [
		{"<": [{"var": "customer_age"}, 25]}, 1.5,
		{">": [{"var": "customer_age"}, 65]}, 1.3,
		1.0
	]}`)
	cases := []struct {
		age  int64
		want float64
	}{
		{20, 1.5},
		{40, 1.0},
		{70, 1.3},
		{24, 1.5},
	}
	for _, tc := range cases {
		v, err := expr.Eval(slab, expr.Bindings{"customer_age": expr.Int(tc.age)})
		if err != nil {
			t.Fatalf("age %d: %v", tc.age, err)
		}
		if f := v.Number(); f != tc.want {
			t.Fatalf("age %d: got %v want %v", tc.age, v, tc.want)
		}
	}
	// missing age falls through every guard to the default
	v, err := expr.Eval(slab, expr.Bindings{})
	if err != nil {
		t.Fatalf("missing age: %v", err)
	}
	if f := v.Number(); f != 1.0 {
		t.Fatalf("missing age: got %v", v)
	}
}

func TestInMembership(t *testing.T) {
	ctx := expr.Bindings{"cover": expr.String("third-party")}
	v, _ := expr.Eval(expr.MustParse(`{"in": [{"var": "cover"}, ["comprehensive", "third-party"]]}`), ctx)
	if b, _ := v.AsBool(); !b {
		t.Fatalf("expected membership")
	}
	v, _ = expr.Eval(expr.MustParse(`{"in": ["part", "third-party"]}`), ctx)
	if b, _ := v.AsBool(); !b {
		t.Fatalf("expected substring match")
	}
}

func TestValueBinding(t *testing.T) {
	e := expr.MustParse(`{"and": [{">=": [{"var": "$value"}, 0]}, {"<=": [{"var": "$value"}, 100]}]}`)
	v, err := expr.Eval(e, expr.Bindings{expr.ValueBinding: expr.Int(42)})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if b, _ := v.AsBool(); !b {
		t.Fatalf("expected 42 in range")
	}
	v, _ = expr.Eval(e, expr.Bindings{expr.ValueBinding: expr.Int(150)})
	if b, _ := v.AsBool(); b {
		t.Fatalf("expected 150 out of range")
	}
}

func TestVarsCollection(t *testing.T) {
	e := expr.MustParse(`{"if": [
		{">": [{"var": "b"}, 0]}, {"var": "a"},
		{"+": [{"var": "c"}, {"var": "a"}]}
	]}`)
	got := expr.Vars(e)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("vars: got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("vars: got %v want %v", got, want)
		}
	}
}

func TestResultsCollection(t *testing.T) {
	e := expr.MustParse(`{"if": [
		{">": [{"var": "age"}, 60]}, "senior",
		{">": [{"var": "age"}, 18]}, "adult",
		"minor"
	]}`)
	got := expr.Results(e)
	if len(got) != 3 {
		t.Fatalf("results: got %v", got)
	}
	for i, want := range []string{"senior", "adult", "minor"} {
		if s, _ := got[i].AsString(); s != want {
			t.Fatalf("results[%d]: got %v want %s", i, got[i], want)
		}
	}
	// non-constant, non-slab expressions expose no literal result set
	if got := expr.Results(expr.MustParse(`{"*": [{"var": "x"}, 2]}`)); len(got) != 0 {
		t.Fatalf("expected empty results, got %v", got)
	}
}

func TestDeterminism(t *testing.T) {
	e := expr.MustParse(`{"if": [
		{"<": [{"var": "a"}, {"var": "b"}]}, {"+": [{"var": "a"}, 1]},
		{"-": [{"var": "b"}, 1]}
	]}`)
	ctx := expr.Bindings{"a": expr.Int(3), "b": expr.Int(9)}
	first, err := expr.Eval(e, ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := expr.Eval(e, ctx)
		if err != nil {
			t.Fatalf("eval #%d: %v", i, err)
		}
		if !again.StrictEquals(first) {
			t.Fatalf("nondeterministic result: %v vs %v", again, first)
		}
	}
}
