package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind discriminates Value variants.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Value is a dynamically typed evaluation value. The zero Value is
// Undefined, the result of a context lookup that missed; it is distinct
// from Null, which is an explicitly present empty value.
type Value struct {
	kind Kind
	b    bool
	n    float64
	i    int64
	s    string
	arr  []Value
	obj  map[string]Value
}

var Undefined = Value{}

func Null() Value              { return Value{kind: KindNull} }
func Bool(b bool) Value        { return Value{kind: KindBool, b: b} }
func Int(i int64) Value        { return Value{kind: KindInt, i: i} }
func Float(f float64) Value    { return Value{kind: KindFloat, n: f} }
func String(s string) Value    { return Value{kind: KindString, s: s} }
func Array(vs ...Value) Value  { return Value{kind: KindArray, arr: vs} }
func Object(m map[string]Value) Value {
	return Value{kind: KindObject, obj: m}
}

func (v Value) Kind() Kind        { return v.kind }
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) IsNumeric() bool   { return v.kind == KindInt || v.kind == KindFloat }

func (v Value) AsBool() (bool, bool) {
	if v.kind == KindBool {
		return v.b, true
	}
	return false, false
}

func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return 0, false
		}
		return int64(v.n), true
	}
	return 0, false
}

func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.n, true
	}
	return 0, false
}

func (v Value) AsString() (string, bool) {
	if v.kind == KindString {
		return v.s, true
	}
	return "", false
}

func (v Value) AsArray() ([]Value, bool) {
	if v.kind == KindArray {
		return v.arr, true
	}
	return nil, false
}

func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind == KindObject {
		return v.obj, true
	}
	return nil, false
}

// Truthy follows the usual dynamic rules: undefined, null, zero, the empty
// string and empty collections are false.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.n != 0
	case KindString:
		return v.s != ""
	case KindArray:
		return len(v.arr) > 0
	case KindObject:
		return len(v.obj) > 0
	}
	return false
}

// Number coerces to float64: booleans become 0/1, numeric strings parse,
// everything else is 0.
func (v Value) Number() float64 {
	switch v.kind {
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindInt:
		return float64(v.i)
	case KindFloat:
		return v.n
	case KindString:
		f, err := strconv.ParseFloat(v.s, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

// StrictEquals is kind- and value-sensitive equality. Int and Float both
// count as numeric and compare by numeric value; Undefined never equals
// anything, itself included.
func (v Value) StrictEquals(o Value) bool {
	if v.kind == KindUndefined || o.kind == KindUndefined {
		return false
	}
	if v.IsNumeric() && o.IsNumeric() {
		a, _ := v.AsFloat()
		b, _ := o.AsFloat()
		return a == b
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].StrictEquals(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, a := range v.obj {
			b, ok := o.obj[k]
			if !ok || !a.StrictEquals(b) {
				return false
			}
		}
		return true
	}
	return false
}

// LooseEquals additionally coerces numeric strings to numbers. This is a
// deliberately narrow compatibility shim; composite values never compare
// loosely equal across kinds.
func (v Value) LooseEquals(o Value) bool {
	if v.StrictEquals(o) {
		return true
	}
	if v.kind == KindUndefined || o.kind == KindUndefined {
		return false
	}
	if v.kind == KindString && o.IsNumeric() {
		f, err := strconv.ParseFloat(v.s, 64)
		if err != nil {
			return false
		}
		n, _ := o.AsFloat()
		return f == n
	}
	if v.IsNumeric() && o.kind == KindString {
		return o.LooseEquals(v)
	}
	return false
}

// FromAny converts a decoded JSON value (the encoding/json any forms) into
// a Value. Whole float64s become integers so JSON round trips keep integer
// identity.
func FromAny(in any) Value {
	switch x := in.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) && math.Abs(x) < 1<<53 {
			return Int(int64(x))
		}
		return Float(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i)
		}
		f, _ := x.Float64()
		return Float(f)
	case string:
		return String(x)
	case []any:
		vs := make([]Value, len(x))
		for i, e := range x {
			vs[i] = FromAny(e)
		}
		return Array(vs...)
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, e := range x {
			m[k] = FromAny(e)
		}
		return Object(m)
	}
	return Undefined
}

// Interface converts back to the encoding/json any forms. Undefined maps
// to nil, same as Null.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Interface()
		}
		return out
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var tmp any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&tmp); err != nil {
		return err
	}
	*v = FromAny(tmp)
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindString:
		return v.s
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s: %s", k, v.obj[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return "unknown"
}
