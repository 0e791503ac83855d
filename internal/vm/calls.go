// Call setup, tail-call frame-swapping, for-loop arithmetic, and the
// small numeric helpers the dispatcher's opcode switch delegates to.
// Kept in a file of its own so dispatch.go reads as the opcode switch
// itself, separate from its supporting arithmetic/dispatch helpers.
package vm

import (
	"math"

	"github.com/CppCXY/lua-rs-sub000/internal/bytecode"
	"github.com/CppCXY/lua-rs-sub000/internal/errors"
	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

// prepCall reads the callee and argument list out of fr for a
// CALL/TAILCALL instruction (shared since both encode args identically
// in A/B; only what happens to the result differs).
func (v *VM) prepCall(fr *Frame, instr bytecode.Instruction) (fn value.Value, args []value.Value, err error) {
	a, b := instr.A(), instr.B()
	fn = fr.regs[a]
	if b == 0 {
		return fn, fr.openValuesFrom(a + 1), nil
	}
	return fn, append([]value.Value{}, fr.regs[a+1:a+b]...), nil
}

// execCall implements ordinary (non-tail) OP_CALL: recurse into
// VM.Call, which is naturally bounded by MaxCallDepth.
func (v *VM) execCall(fr *Frame, instr bytecode.Instruction) ([]value.Value, error) {
	fn, args, err := v.prepCall(fr, instr)
	if err != nil {
		return nil, err
	}
	return v.Call(fn, args)
}

// beginTailCall resolves fn (following __call) and, if it is a Lua
// closure, builds its Frame without touching call depth or recursing —
// the caller installs the returned frame in place of its own and loops,
// so an unbounded chain of tail calls never grows the Go stack. A Go
// function or a dead end (nothing callable) is run/reported directly.
func (v *VM) beginTailCall(fn value.Value, args []value.Value) (next *Frame, results []value.Value, isTail bool, err error) {
	if !fn.IsFunction() {
		if handler, ok := v.callMetamethod(fn); ok {
			return v.beginTailCall(handler, append([]value.Value{fn}, args...))
		}
		return nil, nil, false, errors.New(errors.RuntimeError, errors.SourceLocation{}, "attempt to call a %s value", value.TypeName(fn.Tag()))
	}
	fo := v.function(fn)
	if fo.IsGo() {
		res, err := fo.Go(v, args)
		return nil, res, false, err
	}
	next = newFrame(fo)
	np := int(fo.Proto.NumParams)
	for i := 0; i < np && i < len(args); i++ {
		next.regs[i] = args[i]
	}
	if fo.Proto.IsVararg && len(args) > np {
		next.varargs = append([]value.Value{}, args[np:]...)
	}
	return next, nil, true, nil
}

// loadVararg implements OP_VARARG: C=0 means "all of them", left in
// fr.openMulti for the following open-arity instruction; otherwise
// exactly C-1 values are copied in, nil-padded if there are too few.
func (v *VM) loadVararg(fr *Frame, instr bytecode.Instruction) {
	a, c := instr.A(), instr.C()
	if c == 0 {
		fr.openMulti = append([]value.Value{}, fr.varargs...)
		fr.openMultiBase = a
		return
	}
	want := c - 1
	for i := 0; i < want; i++ {
		if i < len(fr.varargs) {
			fr.regs[a+i] = fr.varargs[i]
		} else {
			fr.regs[a+i] = value.Nil
		}
	}
}

// setList implements OP_SETLIST: t[C+1..C+B] = R(A+1..A+B), or, when
// B==0, t[C+1..] = every value from R(A+1) through the end of the open
// production left by the list's final call or `...` expansion.
func (v *VM) setList(fr *Frame, instr bytecode.Instruction) {
	t := v.table(fr.regs[instr.A()])
	c := instr.C()
	if instr.B() == 0 {
		for i, val := range fr.openValuesFrom(instr.A() + 1) {
			t.Set(value.Int(int64(c+1+i)), val)
		}
		return
	}
	a, b := instr.A(), instr.B()
	for i := 1; i <= b; i++ {
		t.Set(value.Int(int64(c+i)), fr.regs[a+i])
	}
}

// makeClosure implements OP_CLOSURE: instantiate nested prototype
// protoIdx, resolving each upvalue descriptor against the enclosing
// frame (InStack: alias a live register; otherwise: share the
// enclosing closure's own upvalue cell).
func (v *VM) makeClosure(fr *Frame, protoIdx int) value.Value {
	proto := fr.closure.Proto.Protos[protoIdx]
	ups := make([]*Upvalue, len(proto.Upvalues))
	for i, desc := range proto.Upvalues {
		if desc.InStack {
			ups[i] = fr.findOrMakeUpvalue(int(desc.Index))
		} else {
			ups[i] = fr.closure.Upvals[desc.Index]
		}
	}
	fo := &FunctionObj{Proto: proto, Upvals: ups, Name: proto.Source}
	return value.FunctionHandle(v.allocOrGC(fo, 128))
}

// closeTBC drains every to-be-closed register at or above from, in
// reverse declaration order, invoking __close on each non-nil,
// non-false value with (value, errVal) — errVal is the Lua value of
// whatever error is unwinding the frame, or value.Nil for a normal
// scope exit.
func (v *VM) closeTBC(fr *Frame, from int, errVal value.Value) error {
	for i := len(fr.tbc) - 1; i >= 0; i-- {
		reg := fr.tbc[i]
		if reg < from {
			continue
		}
		val := fr.regs[reg]
		fr.tbc = append(fr.tbc[:i], fr.tbc[i+1:]...)
		if val.IsNil() || val.IsFalse() {
			continue
		}
		h := v.getmm(val, bytecode.MM_CLOSE)
		if h.IsNil() {
			continue
		}
		if _, err := v.Call(h, []value.Value{val, errVal}); err != nil {
			return err
		}
	}
	return nil
}

// teardown runs on every normal-return path out of runLua: close
// whatever upvalues and to-be-closed locals the frame still owns
// before its registers are discarded.
func (v *VM) teardown(fr *Frame) error {
	if err := v.closeTBC(fr, 0, value.Nil); err != nil {
		return err
	}
	fr.closeFrom(0)
	return nil
}

// unwindError drains fr's to-be-closed locals with err as __close's
// second argument before propagating err, implementing the error-path
// half of <close>'s contract: a runtime error unwinding through a
// frame that owns to-be-closed locals must still fire __close, with
// the in-flight error value rather than nil. If closing itself errors,
// that close failure replaces the original error, matching how an
// error raised while already handling another error takes over.
func (v *VM) unwindError(fr *Frame, err error) ([]value.Value, error) {
	if closeErr := v.closeTBC(fr, 0, v.errorValue(err)); closeErr != nil {
		fr.closeFrom(0)
		return nil, closeErr
	}
	fr.closeFrom(0)
	return nil, err
}

// ---- numeric for -------------------------------------------------------------

// forPrep implements OP_FORPREP: coerce/validate the start/stop/step
// triplet (an all-integer triplet runs as integers, otherwise
// everything is promoted to float) and report whether the loop body
// should be skipped entirely.
func (v *VM) forPrep(fr *Frame, instr bytecode.Instruction) (skip bool, err error) {
	a := instr.A()
	start, stop, step := fr.regs[a], fr.regs[a+1], fr.regs[a+2]
	if !start.IsNumber() || !stop.IsNumber() || !step.IsNumber() {
		return false, errors.New(errors.RuntimeError, fr.loc(), "'for' initial value, limit, and step must be numbers")
	}
	if start.IsInt() && stop.IsInt() && step.IsInt() {
		st, sp, stepI := start.AsInt(), stop.AsInt(), step.AsInt()
		if stepI == 0 {
			return false, errors.New(errors.RuntimeError, fr.loc(), "'for' step is zero")
		}
		if stepI > 0 && st > sp || stepI < 0 && st < sp {
			return true, nil
		}
		fr.regs[a], fr.regs[a+1], fr.regs[a+2] = value.Int(st), value.Int(sp), value.Int(stepI)
		fr.regs[a+3] = value.Int(st)
		return false, nil
	}
	sf, spf, stf := start.ToFloat(), stop.ToFloat(), step.ToFloat()
	if stf == 0 {
		return false, errors.New(errors.RuntimeError, fr.loc(), "'for' step is zero")
	}
	if stf > 0 && sf > spf || stf < 0 && sf < spf {
		return true, nil
	}
	fr.regs[a], fr.regs[a+1], fr.regs[a+2] = value.Float(sf), value.Float(spf), value.Float(stf)
	fr.regs[a+3] = value.Float(sf)
	return false, nil
}

// forLoop implements OP_FORLOOP: advance the counter by step, and
// report whether it is still within range (continue) or not (fall
// through and exit the loop).
func (v *VM) forLoop(fr *Frame, instr bytecode.Instruction) bool {
	a := instr.A()
	if fr.regs[a].IsInt() {
		counter, stop, step := fr.regs[a].AsInt(), fr.regs[a+1].AsInt(), fr.regs[a+2].AsInt()
		next := counter + step
		if step > 0 {
			if next > stop || next < counter {
				return false
			}
		} else {
			if next < stop || next > counter {
				return false
			}
		}
		fr.regs[a] = value.Int(next)
		fr.regs[a+3] = value.Int(next)
		return true
	}
	counter, stop, step := fr.regs[a].AsFloat(), fr.regs[a+1].AsFloat(), fr.regs[a+2].AsFloat()
	next := counter + step
	if step > 0 {
		if next > stop {
			return false
		}
	} else {
		if next < stop {
			return false
		}
	}
	fr.regs[a] = value.Float(next)
	fr.regs[a+3] = value.Float(next)
	return true
}

// ---- generic for --------------------------------------------------------------

// tforCall implements OP_TFORCALL: invoke the iterator with (state,
// control) and land C results starting right after the 4 control
// registers (iterator, state, control, to-be-closed slot).
func (v *VM) tforCall(fr *Frame, instr bytecode.Instruction) error {
	a, c := instr.A(), instr.C()
	iter, state, control := fr.regs[a], fr.regs[a+1], fr.regs[a+2]
	results, err := v.Call(iter, []value.Value{state, control})
	if err != nil {
		return err
	}
	for i := 0; i < c; i++ {
		if i < len(results) {
			fr.regs[a+4+i] = results[i]
		} else {
			fr.regs[a+4+i] = value.Nil
		}
	}
	return nil
}

// tforLoop implements OP_TFORLOOP: the loop continues iff the first
// result TFORCALL produced (the new control value) is non-nil.
func (v *VM) tforLoop(fr *Frame, instr bytecode.Instruction) bool {
	a := instr.A()
	if fr.regs[a+4].IsNil() {
		return false
	}
	fr.regs[a+2] = fr.regs[a+4]
	return true
}

// ---- numeric helpers ----------------------------------------------------------

func numBinop(x, y value.Value, iop func(int64, int64) int64, fop func(float64, float64) float64) value.Value {
	if x.IsInt() && y.IsInt() {
		return value.Int(iop(x.AsInt(), y.AsInt()))
	}
	return value.Float(fop(x.ToFloat(), y.ToFloat()))
}

func floatPow(a, b float64) float64 { return math.Pow(a, b) }

// luaIMod/luaFMod implement Lua's floor-style modulo: the result
// always takes the sign of the divisor, unlike Go's truncating %.
func luaIMod(a, b int64) int64 {
	m := a % b
	if m != 0 && (m^b) < 0 {
		m += b
	}
	return m
}

func luaFMod(a, b float64) float64 {
	m := math.Mod(a, b)
	if m != 0 && (m < 0) != (b < 0) {
		m += b
	}
	return m
}

func luaIFloorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorFloat(f float64) float64 { return math.Floor(f) }

// toInteger reports whether v has an exact int64 representation,
// accepting integer-valued floats the same way equality/hashing does,
// extended here to bitwise operands.
func toInteger(v value.Value) (int64, bool) {
	if v.IsInt() {
		return v.AsInt(), true
	}
	if v.IsFloat() {
		f := v.AsFloat()
		i := int64(f)
		if float64(i) == f {
			return i, true
		}
	}
	return 0, false
}

func bitwiseOp(op bytecode.OpCode, x, y int64) int64 {
	switch op {
	case bytecode.OP_BAND:
		return x & y
	case bytecode.OP_BOR:
		return x | y
	case bytecode.OP_BXOR:
		return x ^ y
	case bytecode.OP_SHL:
		return shiftLeft(x, y)
	case bytecode.OP_SHR:
		return shiftLeft(x, -y)
	default:
		return 0
	}
}

// shiftLeft implements Lua's logical shift: negative n shifts right,
// and any shift of 64 or more bits yields 0.
func shiftLeft(x, n int64) int64 {
	if n <= -64 || n >= 64 {
		return 0
	}
	if n >= 0 {
		return int64(uint64(x) << uint(n))
	}
	return int64(uint64(x) >> uint(-n))
}
