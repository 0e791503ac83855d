// The math library: wraps Go's math package the way an embedder's
// stdlib collaborator would, plus math.tointeger/math.type which
// touch the Value representation directly (spec's testable property
// "math.tointeger(v) == v for any integer-valued v").
package vm

import (
	"math"
	"math/rand"

	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

func openMathLib(v *VM) {
	libVal := v.CreateTable(0, 24)
	lib := v.table(libVal)
	set := func(name string, fn GoFunc) { lib.Set(v.CreateString(name), v.newGoFunction("math."+name, fn)) }

	lib.Set(v.CreateString("pi"), value.Float(math.Pi))
	lib.Set(v.CreateString("huge"), value.Float(math.Inf(1)))
	lib.Set(v.CreateString("maxinteger"), value.Int(math.MaxInt64))
	lib.Set(v.CreateString("mininteger"), value.Int(math.MinInt64))

	set("floor", mathFloor)
	set("ceil", mathCeil)
	set("abs", mathAbs)
	set("sqrt", math1(math.Sqrt))
	set("sin", math1(math.Sin))
	set("cos", math1(math.Cos))
	set("tan", math1(math.Tan))
	set("exp", math1(math.Exp))
	set("log", mathLog)
	set("max", mathMax)
	set("min", mathMin)
	set("random", mathRandom)
	set("randomseed", mathRandomSeed)
	set("tointeger", mathToInteger)
	set("type", mathType)
	set("fmod", mathFmod)

	v.SetGlobal("math", libVal)
}

func math1(f func(float64) float64) GoFunc {
	return func(v *VM, args []value.Value) ([]value.Value, error) {
		a := arg(args, 0)
		if !a.IsNumber() {
			return nil, argError("math", 1, "number expected, got "+value.TypeName(a.Tag()))
		}
		return []value.Value{value.Float(f(a.ToFloat()))}, nil
	}
}

func mathFloor(v *VM, args []value.Value) ([]value.Value, error) {
	a := arg(args, 0)
	if a.IsInt() {
		return []value.Value{a}, nil
	}
	if !a.IsNumber() {
		return nil, argError("floor", 1, "number expected, got "+value.TypeName(a.Tag()))
	}
	f := math.Floor(a.AsFloat())
	if i := int64(f); float64(i) == f {
		return []value.Value{value.Int(i)}, nil
	}
	return []value.Value{value.Float(f)}, nil
}

func mathCeil(v *VM, args []value.Value) ([]value.Value, error) {
	a := arg(args, 0)
	if a.IsInt() {
		return []value.Value{a}, nil
	}
	if !a.IsNumber() {
		return nil, argError("ceil", 1, "number expected, got "+value.TypeName(a.Tag()))
	}
	f := math.Ceil(a.AsFloat())
	if i := int64(f); float64(i) == f {
		return []value.Value{value.Int(i)}, nil
	}
	return []value.Value{value.Float(f)}, nil
}

func mathAbs(v *VM, args []value.Value) ([]value.Value, error) {
	a := arg(args, 0)
	if a.IsInt() {
		n := a.AsInt()
		if n < 0 {
			n = -n
		}
		return []value.Value{value.Int(n)}, nil
	}
	if !a.IsNumber() {
		return nil, argError("abs", 1, "number expected, got "+value.TypeName(a.Tag()))
	}
	return []value.Value{value.Float(math.Abs(a.AsFloat()))}, nil
}

func mathLog(v *VM, args []value.Value) ([]value.Value, error) {
	a := arg(args, 0)
	if !a.IsNumber() {
		return nil, argError("log", 1, "number expected, got "+value.TypeName(a.Tag()))
	}
	if len(args) > 1 && args[1].IsNumber() {
		return []value.Value{value.Float(math.Log(a.ToFloat()) / math.Log(args[1].ToFloat()))}, nil
	}
	return []value.Value{value.Float(math.Log(a.ToFloat()))}, nil
}

func mathMax(v *VM, args []value.Value) ([]value.Value, error) {
	if len(args) == 0 {
		return nil, argError("max", 1, "value expected")
	}
	best := args[0]
	for _, a := range args[1:] {
		if ok, err := v.less(best, a); err != nil {
			return nil, err
		} else if ok {
			best = a
		}
	}
	return []value.Value{best}, nil
}

func mathMin(v *VM, args []value.Value) ([]value.Value, error) {
	if len(args) == 0 {
		return nil, argError("min", 1, "value expected")
	}
	best := args[0]
	for _, a := range args[1:] {
		if ok, err := v.less(a, best); err != nil {
			return nil, err
		} else if ok {
			best = a
		}
	}
	return []value.Value{best}, nil
}

func mathRandom(v *VM, args []value.Value) ([]value.Value, error) {
	switch len(args) {
	case 0:
		return []value.Value{value.Float(rand.Float64())}, nil
	case 1:
		m, _ := checkInt("random", args, 1, 0, false)
		if m < 1 {
			return nil, argError("random", 1, "interval is empty")
		}
		return []value.Value{value.Int(1 + rand.Int63n(m))}, nil
	default:
		lo, _ := checkInt("random", args, 1, 0, false)
		hi, _ := checkInt("random", args, 2, 0, false)
		if lo > hi {
			return nil, argError("random", 2, "interval is empty")
		}
		return []value.Value{value.Int(lo + rand.Int63n(hi-lo+1))}, nil
	}
}

func mathRandomSeed(v *VM, args []value.Value) ([]value.Value, error) {
	n, _ := checkInt("randomseed", args, 1, 0, true)
	rand.Seed(n)
	return nil, nil
}

func mathToInteger(v *VM, args []value.Value) ([]value.Value, error) {
	a := arg(args, 0)
	if a.IsInt() {
		return []value.Value{a}, nil
	}
	if a.IsFloat() {
		f := a.AsFloat()
		if i := int64(f); float64(i) == f {
			return []value.Value{value.Int(i)}, nil
		}
	}
	return []value.Value{value.Nil}, nil
}

func mathType(v *VM, args []value.Value) ([]value.Value, error) {
	a := arg(args, 0)
	switch {
	case a.IsInt():
		return []value.Value{v.CreateString("integer")}, nil
	case a.IsFloat():
		return []value.Value{v.CreateString("float")}, nil
	default:
		return []value.Value{value.Nil}, nil
	}
}

func mathFmod(v *VM, args []value.Value) ([]value.Value, error) {
	x := arg(args, 0)
	y := arg(args, 1)
	if !x.IsNumber() || !y.IsNumber() {
		return nil, argError("fmod", 1, "number expected")
	}
	if x.IsInt() && y.IsInt() {
		if y.AsInt() == 0 {
			return nil, argError("fmod", 2, "zero")
		}
		return []value.Value{value.Int(x.AsInt() % y.AsInt())}, nil
	}
	return []value.Value{value.Float(math.Mod(x.ToFloat(), y.ToFloat()))}, nil
}
