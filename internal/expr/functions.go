// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package expr

import (
	"math"
	"strings"

	"github.com/google/uuid"

	kerr "github.com/kraklabs/krakdb/internal/errors"
	"github.com/kraklabs/krakdb/internal/value"
)

// Op is one entry of the closed function catalog.
type Op struct {
	Name     string
	MinArity int
	// Variadic allows more than MinArity arguments.
	Variadic bool
	// Impure ops are excluded from constant folding.
	Impure bool
	Fn     func(args []value.Value) (value.Value, error)
	// Lazy, when set, takes over evaluation for short-circuiting forms.
	Lazy func(env *Env, args []Expr) (value.Value, error)
}

var catalog = map[string]*Op{}

func register(op *Op) *Op {
	catalog[op.Name] = op
	return op
}

// LookupOp finds a catalog entry by name.
func LookupOp(name string) (*Op, bool) {
	op, ok := catalog[name]
	return op, ok
}

// MustOp finds a catalog entry and panics when absent; for internal
// construction of rewritten expressions only.
func MustOp(name string) *Op {
	op, ok := catalog[name]
	if !ok {
		panic("missing op " + name)
	}
	return op
}

func runtimeErr(code, format string, args ...any) error {
	return kerr.Newf(kerr.Runtime, code, format, args...)
}

func numArgs2(name string, args []value.Value) (af, bf float64, bothInt bool, ai, bi int64, err error) {
	var okA, okB bool
	ai, okA = args[0].AsInt()
	bi, okB = args[1].AsInt()
	bothInt = okA && okB
	af, okA = args[0].AsFloat()
	bf, okB = args[1].AsFloat()
	if !okA || !okB {
		err = runtimeErr("expr::not_number", "%s expects numbers, got %s and %s", name, args[0], args[1])
	}
	return
}

// Ops referenced by the parser for operator tokens.
var (
	OpAdd    = register(&Op{Name: "add", MinArity: 2, Variadic: true, Fn: fnAdd})
	OpSub    = register(&Op{Name: "sub", MinArity: 2, Fn: fnSub})
	OpMul    = register(&Op{Name: "mul", MinArity: 2, Variadic: true, Fn: fnMul})
	OpDiv    = register(&Op{Name: "div", MinArity: 2, Fn: fnDiv})
	OpMod    = register(&Op{Name: "mod", MinArity: 2, Fn: fnMod})
	OpPow    = register(&Op{Name: "pow", MinArity: 2, Fn: fnPow})
	OpMinus  = register(&Op{Name: "minus", MinArity: 1, Fn: fnMinus})
	OpEq     = register(&Op{Name: "eq", MinArity: 2, Fn: cmpFn("eq", func(c int) bool { return c == 0 })})
	OpNeq    = register(&Op{Name: "neq", MinArity: 2, Fn: cmpFn("neq", func(c int) bool { return c != 0 })})
	OpGt     = register(&Op{Name: "gt", MinArity: 2, Fn: cmpFn("gt", func(c int) bool { return c > 0 })})
	OpGe     = register(&Op{Name: "ge", MinArity: 2, Fn: cmpFn("ge", func(c int) bool { return c >= 0 })})
	OpLt     = register(&Op{Name: "lt", MinArity: 2, Fn: cmpFn("lt", func(c int) bool { return c < 0 })})
	OpLe     = register(&Op{Name: "le", MinArity: 2, Fn: cmpFn("le", func(c int) bool { return c <= 0 })})
	OpNot    = register(&Op{Name: "negate", MinArity: 1, Fn: fnNot})
	OpAnd    = register(&Op{Name: "and", MinArity: 2, Variadic: true, Lazy: lazyAnd})
	OpOr     = register(&Op{Name: "or", MinArity: 2, Variadic: true, Lazy: lazyOr})
	OpConcat = register(&Op{Name: "concat", MinArity: 2, Variadic: true, Fn: fnConcat})
	OpList   = register(&Op{Name: "list", MinArity: 0, Variadic: true, Fn: fnList})
	OpIf     = register(&Op{Name: "if", MinArity: 3, Lazy: lazyIf})
)

func init() {
	register(&Op{Name: "abs", MinArity: 1, Fn: fnAbs})
	register(&Op{Name: "signum", MinArity: 1, Fn: fnSignum})
	register(&Op{Name: "floor", MinArity: 1, Fn: floatFn("floor", math.Floor)})
	register(&Op{Name: "ceil", MinArity: 1, Fn: floatFn("ceil", math.Ceil)})
	register(&Op{Name: "round", MinArity: 1, Fn: floatFn("round", math.Round)})
	register(&Op{Name: "sqrt", MinArity: 1, Fn: floatFn("sqrt", math.Sqrt)})
	register(&Op{Name: "exp", MinArity: 1, Fn: floatFn("exp", math.Exp)})
	register(&Op{Name: "ln", MinArity: 1, Fn: floatFn("ln", math.Log)})
	register(&Op{Name: "log2", MinArity: 1, Fn: floatFn("log2", math.Log2)})
	register(&Op{Name: "log10", MinArity: 1, Fn: floatFn("log10", math.Log10)})
	register(&Op{Name: "sin", MinArity: 1, Fn: floatFn("sin", math.Sin)})
	register(&Op{Name: "cos", MinArity: 1, Fn: floatFn("cos", math.Cos)})
	register(&Op{Name: "tan", MinArity: 1, Fn: floatFn("tan", math.Tan)})
	register(&Op{Name: "atan2", MinArity: 2, Fn: fnAtan2})

	register(&Op{Name: "min", MinArity: 1, Variadic: true, Fn: fnMin})
	register(&Op{Name: "max", MinArity: 1, Variadic: true, Fn: fnMax})

	register(&Op{Name: "length", MinArity: 1, Fn: fnLength})
	register(&Op{Name: "get", MinArity: 2, Fn: fnGet})
	register(&Op{Name: "maybe_get", MinArity: 2, Fn: fnMaybeGet})
	register(&Op{Name: "slice", MinArity: 3, Fn: fnSlice})
	register(&Op{Name: "first", MinArity: 1, Fn: fnFirst})
	register(&Op{Name: "last", MinArity: 1, Fn: fnLast})
	register(&Op{Name: "sorted", MinArity: 1, Fn: fnSorted})
	register(&Op{Name: "reverse", MinArity: 1, Fn: fnReverse})
	register(&Op{Name: "is_in", MinArity: 2, Fn: fnIsIn})
	register(&Op{Name: "union", MinArity: 2, Variadic: true, Fn: fnUnion})
	register(&Op{Name: "intersection", MinArity: 2, Variadic: true, Fn: fnIntersection})
	register(&Op{Name: "difference", MinArity: 2, Fn: fnDifference})

	register(&Op{Name: "lowercase", MinArity: 1, Fn: strFn("lowercase", strings.ToLower)})
	register(&Op{Name: "uppercase", MinArity: 1, Fn: strFn("uppercase", strings.ToUpper)})
	register(&Op{Name: "trim", MinArity: 1, Fn: strFn("trim", strings.TrimSpace)})
	register(&Op{Name: "starts_with", MinArity: 2, Fn: str2BoolFn("starts_with", strings.HasPrefix)})
	register(&Op{Name: "ends_with", MinArity: 2, Fn: str2BoolFn("ends_with", strings.HasSuffix)})
	register(&Op{Name: "str_includes", MinArity: 2, Fn: str2BoolFn("str_includes", strings.Contains)})
	register(&Op{Name: "split", MinArity: 2, Fn: fnSplit})

	register(&Op{Name: "to_string", MinArity: 1, Fn: fnToString})
	register(&Op{Name: "to_int", MinArity: 1, Fn: fnToInt})
	register(&Op{Name: "to_float", MinArity: 1, Fn: fnToFloat})
	register(&Op{Name: "to_bool", MinArity: 1, Fn: fnToBool})
	register(&Op{Name: "to_uuid", MinArity: 1, Fn: fnToUuid})

	register(&Op{Name: "is_null", MinArity: 1, Fn: kindFn(func(k value.Kind) bool { return k == value.KindNull })})
	register(&Op{Name: "is_int", MinArity: 1, Fn: kindFn(func(k value.Kind) bool { return k == value.KindInt })})
	register(&Op{Name: "is_float", MinArity: 1, Fn: kindFn(func(k value.Kind) bool { return k == value.KindFloat })})
	register(&Op{Name: "is_num", MinArity: 1, Fn: kindFn(func(k value.Kind) bool { return k == value.KindInt || k == value.KindFloat })})
	register(&Op{Name: "is_bool", MinArity: 1, Fn: kindFn(func(k value.Kind) bool { return k == value.KindBool })})
	register(&Op{Name: "is_string", MinArity: 1, Fn: kindFn(func(k value.Kind) bool { return k == value.KindString })})
	register(&Op{Name: "is_bytes", MinArity: 1, Fn: kindFn(func(k value.Kind) bool { return k == value.KindBytes })})
	register(&Op{Name: "is_list", MinArity: 1, Fn: kindFn(func(k value.Kind) bool { return k == value.KindList })})
	register(&Op{Name: "is_uuid", MinArity: 1, Fn: kindFn(func(k value.Kind) bool { return k == value.KindUuid })})

	register(&Op{Name: "rand_float", MinArity: 0, Impure: true, Fn: fnRandFloat})
	register(&Op{Name: "rand_uuid_v4", MinArity: 0, Impure: true, Fn: fnRandUuid})
	register(&Op{Name: "now", MinArity: 0, Impure: true, Fn: fnNow})

	register(&Op{Name: "coalesce", MinArity: 2, Variadic: true, Fn: fnCoalesce})
	register(&Op{Name: "cond_assert", MinArity: 2, Fn: fnAssert})
}

func fnAdd(args []value.Value) (value.Value, error) {
	allInt := true
	var isum int64
	var fsum float64
	for _, a := range args {
		if i, ok := a.AsInt(); ok {
			isum += i
			fsum += float64(i)
			continue
		}
		f, ok := a.AsFloat()
		if !ok {
			return value.Null, runtimeErr("expr::not_number", "add expects numbers, got %s", a)
		}
		allInt = false
		fsum += f
	}
	if allInt {
		return value.Int(isum), nil
	}
	return value.Float(fsum), nil
}

func fnMul(args []value.Value) (value.Value, error) {
	allInt := true
	iprod := int64(1)
	fprod := 1.0
	for _, a := range args {
		if i, ok := a.AsInt(); ok {
			iprod *= i
			fprod *= float64(i)
			continue
		}
		f, ok := a.AsFloat()
		if !ok {
			return value.Null, runtimeErr("expr::not_number", "mul expects numbers, got %s", a)
		}
		allInt = false
		fprod *= f
	}
	if allInt {
		return value.Int(iprod), nil
	}
	return value.Float(fprod), nil
}

func fnSub(args []value.Value) (value.Value, error) {
	af, bf, bothInt, ai, bi, err := numArgs2("sub", args)
	if err != nil {
		return value.Null, err
	}
	if bothInt {
		return value.Int(ai - bi), nil
	}
	return value.Float(af - bf), nil
}

func fnDiv(args []value.Value) (value.Value, error) {
	af, bf, _, _, _, err := numArgs2("div", args)
	if err != nil {
		return value.Null, err
	}
	if bf == 0 {
		return value.Null, runtimeErr("expr::div_by_zero", "division by zero")
	}
	return value.Float(af / bf), nil
}

func fnMod(args []value.Value) (value.Value, error) {
	af, bf, bothInt, ai, bi, err := numArgs2("mod", args)
	if err != nil {
		return value.Null, err
	}
	if bothInt {
		if bi == 0 {
			return value.Null, runtimeErr("expr::div_by_zero", "modulo by zero")
		}
		return value.Int(ai % bi), nil
	}
	return value.Float(math.Mod(af, bf)), nil
}

func fnPow(args []value.Value) (value.Value, error) {
	af, bf, _, _, _, err := numArgs2("pow", args)
	if err != nil {
		return value.Null, err
	}
	return value.Float(math.Pow(af, bf)), nil
}

func fnMinus(args []value.Value) (value.Value, error) {
	if i, ok := args[0].AsInt(); ok {
		return value.Int(-i), nil
	}
	if f, ok := args[0].AsFloat(); ok {
		return value.Float(-f), nil
	}
	return value.Null, runtimeErr("expr::not_number", "minus expects a number, got %s", args[0])
}

func fnAbs(args []value.Value) (value.Value, error) {
	if i, ok := args[0].AsInt(); ok {
		if i < 0 {
			return value.Int(-i), nil
		}
		return value.Int(i), nil
	}
	if f, ok := args[0].AsFloat(); ok {
		return value.Float(math.Abs(f)), nil
	}
	return value.Null, runtimeErr("expr::not_number", "abs expects a number, got %s", args[0])
}

func fnSignum(args []value.Value) (value.Value, error) {
	f, ok := args[0].AsFloat()
	if !ok {
		return value.Null, runtimeErr("expr::not_number", "signum expects a number, got %s", args[0])
	}
	switch {
	case f > 0:
		return value.Int(1), nil
	case f < 0:
		return value.Int(-1), nil
	}
	return value.Int(0), nil
}

func floatFn(name string, f func(float64) float64) func([]value.Value) (value.Value, error) {
	return func(args []value.Value) (value.Value, error) {
		x, ok := args[0].AsFloat()
		if !ok {
			return value.Null, runtimeErr("expr::not_number", "%s expects a number, got %s", name, args[0])
		}
		return value.Float(f(x)), nil
	}
}

func fnAtan2(args []value.Value) (value.Value, error) {
	af, bf, _, _, _, err := numArgs2("atan2", args)
	if err != nil {
		return value.Null, err
	}
	return value.Float(math.Atan2(af, bf)), nil
}

func cmpFn(name string, pred func(int) bool) func([]value.Value) (value.Value, error) {
	return func(args []value.Value) (value.Value, error) {
		return value.Bool(pred(args[0].Compare(args[1]))), nil
	}
}

func fnNot(args []value.Value) (value.Value, error) {
	b, ok := args[0].AsBool()
	if !ok {
		return value.Null, runtimeErr("expr::not_bool", "negation expects a boolean, got %s", args[0])
	}
	return value.Bool(!b), nil
}

func lazyAnd(env *Env, args []Expr) (value.Value, error) {
	for _, arg := range args {
		b, err := EvalPred(arg, env)
		if err != nil {
			return value.Null, err
		}
		if !b {
			return value.False, nil
		}
	}
	return value.True, nil
}

func lazyOr(env *Env, args []Expr) (value.Value, error) {
	for _, arg := range args {
		b, err := EvalPred(arg, env)
		if err != nil {
			return value.Null, err
		}
		if b {
			return value.True, nil
		}
	}
	return value.False, nil
}

func lazyIf(env *Env, args []Expr) (value.Value, error) {
	b, err := EvalPred(args[0], env)
	if err != nil {
		return value.Null, err
	}
	if b {
		return args[1].Eval(env)
	}
	return args[2].Eval(env)
}

func fnConcat(args []value.Value) (value.Value, error) {
	if _, ok := args[0].AsStr(); ok {
		var sb strings.Builder
		for _, a := range args {
			s, ok := a.AsStr()
			if !ok {
				return value.Null, runtimeErr("expr::mixed_concat", "concat expects all strings or all lists")
			}
			sb.WriteString(s)
		}
		return value.Str(sb.String()), nil
	}
	var out []value.Value
	for _, a := range args {
		l, ok := a.AsList()
		if !ok {
			return value.Null, runtimeErr("expr::mixed_concat", "concat expects all strings or all lists")
		}
		out = append(out, l...)
	}
	return value.List(out), nil
}

func fnList(args []value.Value) (value.Value, error) {
	return value.List(append([]value.Value(nil), args...)), nil
}

func fnMin(args []value.Value) (value.Value, error) {
	best := args[0]
	for _, a := range args[1:] {
		if a.Compare(best) < 0 {
			best = a
		}
	}
	return best, nil
}

func fnMax(args []value.Value) (value.Value, error) {
	best := args[0]
	for _, a := range args[1:] {
		if a.Compare(best) > 0 {
			best = a
		}
	}
	return best, nil
}

func fnLength(args []value.Value) (value.Value, error) {
	if l, ok := args[0].AsList(); ok {
		return value.Int(int64(len(l))), nil
	}
	if s, ok := args[0].AsStr(); ok {
		return value.Int(int64(len([]rune(s)))), nil
	}
	if b, ok := args[0].AsBytes(); ok {
		return value.Int(int64(len(b))), nil
	}
	return value.Null, runtimeErr("expr::bad_type", "length expects a list, string or bytes, got %s", args[0])
}

func listIndex(name string, args []value.Value) ([]value.Value, int64, error) {
	l, ok := args[0].AsList()
	if !ok {
		return nil, 0, runtimeErr("expr::bad_type", "%s expects a list, got %s", name, args[0])
	}
	i, ok := args[1].AsInt()
	if !ok {
		return nil, 0, runtimeErr("expr::bad_type", "%s expects an integer index, got %s", name, args[1])
	}
	if i < 0 {
		i += int64(len(l))
	}
	return l, i, nil
}

func fnGet(args []value.Value) (value.Value, error) {
	l, i, err := listIndex("get", args)
	if err != nil {
		return value.Null, err
	}
	if i < 0 || i >= int64(len(l)) {
		return value.Null, runtimeErr("expr::index_out_of_bounds", "index %d out of bounds for length %d", i, len(l))
	}
	return l[i], nil
}

func fnMaybeGet(args []value.Value) (value.Value, error) {
	l, i, err := listIndex("maybe_get", args)
	if err != nil {
		return value.Null, err
	}
	if i < 0 || i >= int64(len(l)) {
		return value.Null, nil
	}
	return l[i], nil
}

func fnSlice(args []value.Value) (value.Value, error) {
	l, from, err := listIndex("slice", args)
	if err != nil {
		return value.Null, err
	}
	to, ok := args[2].AsInt()
	if !ok {
		return value.Null, runtimeErr("expr::bad_type", "slice expects integer bounds")
	}
	if to < 0 {
		to += int64(len(l))
	}
	if from < 0 || to > int64(len(l)) || from > to {
		return value.Null, runtimeErr("expr::index_out_of_bounds", "bad slice %d..%d for length %d", from, to, len(l))
	}
	return value.List(append([]value.Value(nil), l[from:to]...)), nil
}

func fnFirst(args []value.Value) (value.Value, error) {
	return fnGet([]value.Value{args[0], value.Int(0)})
}

func fnLast(args []value.Value) (value.Value, error) {
	return fnGet([]value.Value{args[0], value.Int(-1)})
}

func fnSorted(args []value.Value) (value.Value, error) {
	l, ok := args[0].AsList()
	if !ok {
		return value.Null, runtimeErr("expr::bad_type", "sorted expects a list, got %s", args[0])
	}
	out := append([]value.Value(nil), l...)
	sortValues(out)
	return value.List(out), nil
}

func fnReverse(args []value.Value) (value.Value, error) {
	l, ok := args[0].AsList()
	if !ok {
		return value.Null, runtimeErr("expr::bad_type", "reverse expects a list, got %s", args[0])
	}
	out := make([]value.Value, len(l))
	for i, v := range l {
		out[len(l)-1-i] = v
	}
	return value.List(out), nil
}

func fnIsIn(args []value.Value) (value.Value, error) {
	l, ok := args[1].AsList()
	if !ok {
		return value.Null, runtimeErr("expr::bad_type", "is_in expects a list, got %s", args[1])
	}
	for _, e := range l {
		if e.Compare(args[0]) == 0 {
			return value.True, nil
		}
	}
	return value.False, nil
}

func fnUnion(args []value.Value) (value.Value, error) {
	var all []value.Value
	for _, a := range args {
		l, ok := a.AsList()
		if !ok {
			return value.Null, runtimeErr("expr::bad_type", "union expects lists or sets, got %s", a)
		}
		all = append(all, l...)
	}
	return value.Set(all), nil
}

func fnIntersection(args []value.Value) (value.Value, error) {
	base, ok := args[0].AsList()
	if !ok {
		return value.Null, runtimeErr("expr::bad_type", "intersection expects lists or sets, got %s", args[0])
	}
	keep := append([]value.Value(nil), base...)
	for _, a := range args[1:] {
		l, ok := a.AsList()
		if !ok {
			return value.Null, runtimeErr("expr::bad_type", "intersection expects lists or sets, got %s", a)
		}
		var next []value.Value
		for _, k := range keep {
			for _, e := range l {
				if e.Compare(k) == 0 {
					next = append(next, k)
					break
				}
			}
		}
		keep = next
	}
	return value.Set(keep), nil
}

func fnDifference(args []value.Value) (value.Value, error) {
	base, ok := args[0].AsList()
	if !ok {
		return value.Null, runtimeErr("expr::bad_type", "difference expects lists or sets, got %s", args[0])
	}
	sub, ok := args[1].AsList()
	if !ok {
		return value.Null, runtimeErr("expr::bad_type", "difference expects lists or sets, got %s", args[1])
	}
	var out []value.Value
	for _, k := range base {
		found := false
		for _, e := range sub {
			if e.Compare(k) == 0 {
				found = true
				break
			}
		}
		if !found {
			out = append(out, k)
		}
	}
	return value.Set(out), nil
}

func strFn(name string, f func(string) string) func([]value.Value) (value.Value, error) {
	return func(args []value.Value) (value.Value, error) {
		s, ok := args[0].AsStr()
		if !ok {
			return value.Null, runtimeErr("expr::bad_type", "%s expects a string, got %s", name, args[0])
		}
		return value.Str(f(s)), nil
	}
}

func str2BoolFn(name string, f func(a, b string) bool) func([]value.Value) (value.Value, error) {
	return func(args []value.Value) (value.Value, error) {
		a, okA := args[0].AsStr()
		b, okB := args[1].AsStr()
		if !okA || !okB {
			return value.Null, runtimeErr("expr::bad_type", "%s expects strings", name)
		}
		return value.Bool(f(a, b)), nil
	}
}

func fnSplit(args []value.Value) (value.Value, error) {
	s, okA := args[0].AsStr()
	sep, okB := args[1].AsStr()
	if !okA || !okB {
		return value.Null, runtimeErr("expr::bad_type", "split expects strings")
	}
	parts := strings.Split(s, sep)
	out := make([]value.Value, len(parts))
	for i, p := range parts {
		out[i] = value.Str(p)
	}
	return value.List(out), nil
}

func fnToString(args []value.Value) (value.Value, error) {
	if s, ok := args[0].AsStr(); ok {
		return value.Str(s), nil
	}
	return value.Str(args[0].String()), nil
}

func fnToInt(args []value.Value) (value.Value, error) {
	if i, ok := args[0].AsInt(); ok {
		return value.Int(i), nil
	}
	if f, ok := args[0].AsFloat(); ok {
		return value.Int(int64(f)), nil
	}
	if vd, ok := args[0].AsValidity(); ok {
		return value.Int(vd.Ts), nil
	}
	return value.Null, runtimeErr("expr::bad_cast", "cannot convert %s to an integer", args[0])
}

func fnToFloat(args []value.Value) (value.Value, error) {
	if f, ok := args[0].AsFloat(); ok {
		return value.Float(f), nil
	}
	return value.Null, runtimeErr("expr::bad_cast", "cannot convert %s to a float", args[0])
}

func fnToBool(args []value.Value) (value.Value, error) {
	if b, ok := args[0].AsBool(); ok {
		return value.Bool(b), nil
	}
	return value.Null, runtimeErr("expr::bad_cast", "cannot convert %s to a boolean", args[0])
}

func fnToUuid(args []value.Value) (value.Value, error) {
	if _, ok := args[0].AsUuid(); ok {
		return args[0], nil
	}
	if s, ok := args[0].AsStr(); ok {
		return value.ParseUuidString(s)
	}
	return value.Null, runtimeErr("expr::bad_cast", "cannot convert %s to a uuid", args[0])
}

func kindFn(pred func(value.Kind) bool) func([]value.Value) (value.Value, error) {
	return func(args []value.Value) (value.Value, error) {
		return value.Bool(pred(args[0].Kind())), nil
	}
}

func fnCoalesce(args []value.Value) (value.Value, error) {
	for _, a := range args {
		if !a.IsNull() {
			return a, nil
		}
	}
	return value.Null, nil
}

func fnAssert(args []value.Value) (value.Value, error) {
	b, ok := args[0].AsBool()
	if !ok || !b {
		msg, _ := args[1].AsStr()
		return value.Null, runtimeErr("expr::assert_failed", "assertion failed: %s", msg)
	}
	return value.True, nil
}

func fnRandFloat(args []value.Value) (value.Value, error) {
	return value.Float(randFloat()), nil
}

func fnRandUuid(args []value.Value) (value.Value, error) {
	return value.Uuid(uuid.New()), nil
}

func fnNow(args []value.Value) (value.Value, error) {
	return value.Float(float64(value.NowMicros()) / 1e6), nil
}
