// The coroutine library: the Lua-level surface over component C11
// (internal/vm/coroutine.go's CreateThread/ResumeThread/YieldFromThread).
package vm

import (
	"github.com/CppCXY/lua-rs-sub000/internal/errors"
	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

func openCoroutineLib(v *VM) {
	libVal := v.CreateTable(0, 8)
	lib := v.table(libVal)
	set := func(name string, fn GoFunc) { lib.Set(v.CreateString(name), v.newGoFunction("coroutine."+name, fn)) }

	set("create", coCreate)
	set("resume", coResume)
	set("yield", coYield)
	set("status", coStatus)
	set("wrap", coWrap)
	set("isyieldable", coIsYieldable)
	set("running", coRunning)

	v.SetGlobal("coroutine", libVal)
}

func coCreate(v *VM, args []value.Value) ([]value.Value, error) {
	fn := arg(args, 0)
	if !fn.IsFunction() {
		return nil, argError("create", 1, "function expected")
	}
	return []value.Value{v.CreateThread(fn)}, nil
}

func coResume(v *VM, args []value.Value) ([]value.Value, error) {
	th := arg(args, 0)
	if !th.IsThread() {
		return nil, argError("resume", 1, "coroutine expected")
	}
	ok, results, err := v.ResumeThread(v.coroutine(th), args[1:])
	if err != nil {
		return []value.Value{value.Bool(false), v.errorValue(err)}, nil
	}
	return append([]value.Value{value.Bool(ok)}, results...), nil
}

func coYield(v *VM, args []value.Value) ([]value.Value, error) {
	return v.YieldFromThread(v.current, args), nil
}

func coStatus(v *VM, args []value.Value) ([]value.Value, error) {
	th := arg(args, 0)
	if !th.IsThread() {
		return nil, argError("status", 1, "coroutine expected")
	}
	return []value.Value{v.CreateString(v.coroutine(th).status.String())}, nil
}

// coWrap returns a plain function wrapping coroutine.resume: it
// returns the resumed results directly and re-raises an error instead
// of reporting it as a boolean, distinguishing resume (protected)
// from wrap (unprotected passthrough).
func coWrap(v *VM, args []value.Value) ([]value.Value, error) {
	fn := arg(args, 0)
	if !fn.IsFunction() {
		return nil, argError("wrap", 1, "function expected")
	}
	thVal := v.CreateThread(fn)
	wrapped := func(v *VM, wargs []value.Value) ([]value.Value, error) {
		ok, results, err := v.ResumeThread(v.coroutine(thVal), wargs)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "coroutine wrap error")
		}
		return results, nil
	}
	return []value.Value{v.newGoFunction("wrapped coroutine", wrapped)}, nil
}

func coIsYieldable(v *VM, args []value.Value) ([]value.Value, error) {
	return []value.Value{value.Bool(v.current != v.main)}, nil
}

func coRunning(v *VM, args []value.Value) ([]value.Value, error) {
	return []value.Value{value.ThreadHandle(v.threadHandle(v.current)), value.Bool(v.current == v.main)}, nil
}
