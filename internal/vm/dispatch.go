// The dispatch loop: a flat switch over a []Instruction slice, one
// Frame per non-tail call — fetch, decode, switch on opcode, mutate
// registers in place. Tail calls are the one place this departs from
// straight Go recursion: OP_TAILCALL swaps the current frame's
// closure/registers/pc in place and loops, so a chain of tail calls
// never grows the Go call stack.
package vm

import (
	"github.com/CppCXY/lua-rs-sub000/internal/bytecode"
	"github.com/CppCXY/lua-rs-sub000/internal/errors"
	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

// runLua executes fr to completion (a RETURN* opcode or a tail call
// swapping it out for another prototype), returning its results.
func (v *VM) runLua(fr *Frame) ([]value.Value, error) {
	for {
		if v.cfg.MaxInstructionCount != 0 {
			v.instrCount++
			if v.instrCount > v.cfg.MaxInstructionCount {
				return v.unwindError(fr, errors.New(errors.Interrupted, fr.loc(), "instruction budget exceeded"))
			}
		}

		code := fr.code()
		instr := code[fr.pc]
		fr.pc++

		switch instr.OpCode() {
		case bytecode.OP_MOVE:
			fr.regs[instr.A()] = fr.regs[instr.B()]

		case bytecode.OP_LOADI:
			fr.regs[instr.A()] = value.Int(int64(instr.SBx()))
		case bytecode.OP_LOADF:
			fr.regs[instr.A()] = value.Float(float64(instr.SBx()))
		case bytecode.OP_LOADK:
			fr.regs[instr.A()] = fr.closure.Proto.Constants[instr.Bx()]
		case bytecode.OP_LOADKX:
			ext := code[fr.pc]
			fr.pc++
			fr.regs[instr.A()] = fr.closure.Proto.Constants[ext.Ax()]
		case bytecode.OP_LOADFALSE:
			fr.regs[instr.A()] = value.False
		case bytecode.OP_LOADFALSESKIP:
			fr.regs[instr.A()] = value.False
			fr.pc++
		case bytecode.OP_LOADTRUE:
			fr.regs[instr.A()] = value.True
		case bytecode.OP_LOADNIL:
			a, b := instr.A(), instr.B()
			for i := a; i <= a+b; i++ {
				fr.regs[i] = value.Nil
			}

		case bytecode.OP_GETUPVAL:
			fr.regs[instr.A()] = fr.closure.Upvals[instr.B()].Get()
		case bytecode.OP_SETUPVAL:
			fr.closure.Upvals[instr.B()].Set(fr.regs[instr.A()])
		case bytecode.OP_GETTABUP:
			up := fr.closure.Upvals[instr.B()].Get()
			k := fr.closure.Proto.Constants[instr.C()]
			res, err := v.Index(up, k)
			if err != nil {
				return v.unwindError(fr, err)
			}
			fr.regs[instr.A()] = res
		case bytecode.OP_SETTABUP:
			up := fr.closure.Upvals[instr.A()].Get()
			k := fr.closure.Proto.Constants[instr.B()]
			if err := v.NewIndex(up, k, fr.regs[instr.C()]); err != nil {
				return v.unwindError(fr, err)
			}

		case bytecode.OP_GETTABLE:
			res, err := v.Index(fr.regs[instr.B()], fr.regs[instr.C()])
			if err != nil {
				return v.unwindError(fr, err)
			}
			fr.regs[instr.A()] = res
		case bytecode.OP_GETI:
			res, err := v.Index(fr.regs[instr.B()], value.Int(int64(instr.C())))
			if err != nil {
				return v.unwindError(fr, err)
			}
			fr.regs[instr.A()] = res
		case bytecode.OP_GETFIELD:
			k := fr.closure.Proto.Constants[instr.C()]
			base := fr.regs[instr.B()]
			var res value.Value
			if base.IsTable() {
				t := v.table(base)
				res = t.GetCached(k, fr.closure.Proto.FieldCacheSlot(fr.pc-1))
				if res.IsNil() && t.Meta != nil {
					var err error
					res, err = v.Index(base, k)
					if err != nil {
						return v.unwindError(fr, err)
					}
				}
			} else {
				var err error
				res, err = v.Index(base, k)
				if err != nil {
					return v.unwindError(fr, err)
				}
			}
			fr.regs[instr.A()] = res
		case bytecode.OP_SETTABLE:
			if err := v.NewIndex(fr.regs[instr.A()], fr.regs[instr.B()], fr.regs[instr.C()]); err != nil {
				return v.unwindError(fr, err)
			}
		case bytecode.OP_SETI:
			if err := v.NewIndex(fr.regs[instr.A()], value.Int(int64(instr.B())), fr.regs[instr.C()]); err != nil {
				return v.unwindError(fr, err)
			}
		case bytecode.OP_SETFIELD:
			k := fr.closure.Proto.Constants[instr.B()]
			base := fr.regs[instr.A()]
			cached := false
			if base.IsTable() {
				t := v.table(base)
				if t.Meta == nil {
					cached = t.SetCached(k, fr.regs[instr.C()], fr.closure.Proto.FieldCacheSlot(fr.pc-1))
				}
			}
			if !cached {
				if err := v.NewIndex(base, k, fr.regs[instr.C()]); err != nil {
					return v.unwindError(fr, err)
				}
			}
		case bytecode.OP_NEWTABLE:
			fr.regs[instr.A()] = v.CreateTable(instr.B(), instr.C())
		case bytecode.OP_SELF:
			obj := fr.regs[instr.B()]
			k := fr.closure.Proto.Constants[instr.C()]
			res, err := v.Index(obj, k)
			if err != nil {
				return v.unwindError(fr, err)
			}
			fr.regs[instr.A()+1] = obj
			fr.regs[instr.A()] = res

		case bytecode.OP_ADD, bytecode.OP_SUB, bytecode.OP_MUL, bytecode.OP_DIV,
			bytecode.OP_MOD, bytecode.OP_POW, bytecode.OP_IDIV,
			bytecode.OP_BAND, bytecode.OP_BOR, bytecode.OP_BXOR, bytecode.OP_SHL, bytecode.OP_SHR:
			ok, err := v.arith(fr, instr)
			if err != nil {
				return v.unwindError(fr, err)
			}
			if ok {
				// Fast path succeeded; skip the OP_MMBIN fallback the
				// compiler always emits right after this instruction.
				fr.pc++
			}

		case bytecode.OP_MMBIN:
			target := code[fr.pc-2].A()
			if err := v.mmBinary(fr, fr.regs[instr.A()], fr.regs[instr.B()], bytecode.MMEvent(instr.C()), target); err != nil {
				return v.unwindError(fr, err)
			}

		case bytecode.OP_ADDI, bytecode.OP_SUBI, bytecode.OP_MULI:
			ok, err := v.arithImm(fr, instr)
			if err != nil {
				return v.unwindError(fr, err)
			}
			if ok {
				fr.pc++
			}
		case bytecode.OP_ADDK:
			ok, err := v.arithConst(fr, instr)
			if err != nil {
				return v.unwindError(fr, err)
			}
			if ok {
				fr.pc++
			}
		case bytecode.OP_MMBINI:
			target := code[fr.pc-2].A()
			rhs := value.Int(int64(instr.SB()))
			if err := v.mmBinary(fr, fr.regs[instr.A()], rhs, bytecode.MMEvent(instr.C()), target); err != nil {
				return v.unwindError(fr, err)
			}
		case bytecode.OP_MMBINK:
			target := code[fr.pc-2].A()
			rhs := fr.closure.Proto.Constants[instr.B()]
			if err := v.mmBinary(fr, fr.regs[instr.A()], rhs, bytecode.MMEvent(instr.C()), target); err != nil {
				return v.unwindError(fr, err)
			}

		case bytecode.OP_UNM:
			if v.unm(fr, instr) {
				fr.pc++
			}
		case bytecode.OP_BNOT:
			if v.bnot(fr, instr) {
				fr.pc++
			}
		case bytecode.OP_NOT:
			fr.regs[instr.A()] = value.Bool(!fr.regs[instr.B()].Truthy())
		case bytecode.OP_LEN:
			res, err := v.length(fr.regs[instr.B()])
			if err != nil {
				return v.unwindError(fr, err)
			}
			fr.regs[instr.A()] = res

		case bytecode.OP_CONCAT:
			a, b := instr.A(), instr.B()
			acc := fr.regs[a+b-1]
			for i := b - 2; i >= 0; i-- {
				var err error
				acc, err = v.concat2(fr.regs[a+i], acc)
				if err != nil {
					return v.unwindError(fr, err)
				}
			}
			fr.regs[a] = acc

		case bytecode.OP_JMP:
			fr.pc += instr.SJ()

		case bytecode.OP_EQ:
			eq, err := v.equals(fr.regs[instr.A()], fr.regs[instr.B()])
			if err != nil {
				return v.unwindError(fr, err)
			}
			if eq != instr.K() {
				fr.pc++
			}
		case bytecode.OP_LT:
			lt, err := v.less(fr.regs[instr.A()], fr.regs[instr.B()])
			if err != nil {
				return v.unwindError(fr, err)
			}
			if lt != instr.K() {
				fr.pc++
			}
		case bytecode.OP_LE:
			le, err := v.lessEqual(fr.regs[instr.A()], fr.regs[instr.B()])
			if err != nil {
				return v.unwindError(fr, err)
			}
			if le != instr.K() {
				fr.pc++
			}
		case bytecode.OP_EQK:
			eq, err := v.equals(fr.regs[instr.A()], fr.closure.Proto.Constants[instr.B()])
			if err != nil {
				return v.unwindError(fr, err)
			}
			if eq != instr.K() {
				fr.pc++
			}
		case bytecode.OP_EQI:
			eq, err := v.equals(fr.regs[instr.A()], value.Int(int64(instr.SB())))
			if err != nil {
				return v.unwindError(fr, err)
			}
			if eq != instr.K() {
				fr.pc++
			}
		case bytecode.OP_LTI:
			lt, err := v.less(fr.regs[instr.A()], value.Int(int64(instr.SB())))
			if err != nil {
				return v.unwindError(fr, err)
			}
			if lt != instr.K() {
				fr.pc++
			}
		case bytecode.OP_LEI:
			le, err := v.lessEqual(fr.regs[instr.A()], value.Int(int64(instr.SB())))
			if err != nil {
				return v.unwindError(fr, err)
			}
			if le != instr.K() {
				fr.pc++
			}
		case bytecode.OP_GTI:
			gt, err := v.less(value.Int(int64(instr.SB())), fr.regs[instr.A()])
			if err != nil {
				return v.unwindError(fr, err)
			}
			if gt != instr.K() {
				fr.pc++
			}
		case bytecode.OP_GEI:
			ge, err := v.lessEqual(value.Int(int64(instr.SB())), fr.regs[instr.A()])
			if err != nil {
				return v.unwindError(fr, err)
			}
			if ge != instr.K() {
				fr.pc++
			}
		case bytecode.OP_TEST:
			if fr.regs[instr.A()].Truthy() != instr.K() {
				fr.pc++
			}
		case bytecode.OP_TESTSET:
			if fr.regs[instr.B()].Truthy() == instr.K() {
				fr.regs[instr.A()] = fr.regs[instr.B()]
			} else {
				fr.pc++
			}

		case bytecode.OP_CALL:
			results, err := v.execCall(fr, instr)
			if err != nil {
				return v.unwindError(fr, err)
			}
			a, c := instr.A(), instr.C()
			if c == 0 {
				fr.openMulti = results
				fr.openMultiBase = a
			} else {
				want := c - 1
				for i := 0; i < want; i++ {
					if i < len(results) {
						fr.regs[a+i] = results[i]
					} else {
						fr.regs[a+i] = value.Nil
					}
				}
			}

		case bytecode.OP_TAILCALL:
			fn, args, err := v.prepCall(fr, instr)
			if err != nil {
				return v.unwindError(fr, err)
			}
			if err := v.teardown(fr); err != nil {
				return nil, err
			}
			next, results, tail, err := v.beginTailCall(fn, args)
			if err != nil {
				return nil, err
			}
			if !tail {
				return results, nil
			}
			fr = next
			continue

		case bytecode.OP_RETURN:
			a, b := instr.A(), instr.B()
			var results []value.Value
			if b == 0 {
				results = fr.openValuesFrom(a)
			} else {
				results = append([]value.Value{}, fr.regs[a:a+b-1]...)
			}
			if err := v.teardown(fr); err != nil {
				return nil, err
			}
			return results, nil
		case bytecode.OP_RETURN0:
			if err := v.teardown(fr); err != nil {
				return nil, err
			}
			return nil, nil
		case bytecode.OP_RETURN1:
			result := fr.regs[instr.A()]
			if err := v.teardown(fr); err != nil {
				return nil, err
			}
			return []value.Value{result}, nil

		case bytecode.OP_FORPREP:
			skip, err := v.forPrep(fr, instr)
			if err != nil {
				return v.unwindError(fr, err)
			}
			if skip {
				fr.pc += instr.SBx()
			}
		case bytecode.OP_FORLOOP:
			if cont := v.forLoop(fr, instr); cont {
				fr.pc += instr.SBx()
			}

		case bytecode.OP_TFORPREP:
			// The 4th control slot (A+3) holds whatever to-be-closed
			// value the iterator expression list produced (or nil, the
			// common case); mark it unconditionally, mirroring how a
			// <close> local is marked — closeTBC already skips nil/false
			// values, so this is a no-op when there is nothing to close.
			fr.markToBeClosed(instr.A() + 3)
			fr.pc += instr.SBx()
		case bytecode.OP_TFORCALL:
			if err := v.tforCall(fr, instr); err != nil {
				return v.unwindError(fr, err)
			}
		case bytecode.OP_TFORLOOP:
			if v.tforLoop(fr, instr) {
				fr.pc += instr.SBx()
			}

		case bytecode.OP_CLOSURE:
			fr.regs[instr.A()] = v.makeClosure(fr, instr.Bx())
		case bytecode.OP_VARARG:
			v.loadVararg(fr, instr)
		case bytecode.OP_VARARGPREP:
			// Params already landed in regs[0:A) by the caller; nothing to do
			// beyond having reserved them (the compiler sizes MaxStackSize to
			// cover this).

		case bytecode.OP_CLOSE:
			if err := v.closeTBC(fr, instr.A(), value.Nil); err != nil {
				return v.unwindError(fr, err)
			}
			fr.closeFrom(instr.A())
		case bytecode.OP_TBC:
			fr.markToBeClosed(instr.A())

		case bytecode.OP_SETLIST:
			v.setList(fr, instr)

		default:
			return v.unwindError(fr, errors.New(errors.RuntimeError, fr.loc(), "unimplemented opcode %d", instr.OpCode()))
		}
	}
}

// arith runs one fast-path numeric op, reporting ok=false when either
// operand isn't a plain number (or, for bitwise ops, isn't convertible
// to an integer) so the caller falls through to the paired OP_MMBIN.
func (v *VM) arith(fr *Frame, instr bytecode.Instruction) (ok bool, err error) {
	a, b, c := instr.A(), instr.B(), instr.C()
	x, y := fr.regs[b], fr.regs[c]
	if !x.IsNumber() || !y.IsNumber() {
		return false, nil
	}
	switch instr.OpCode() {
	case bytecode.OP_ADD:
		fr.regs[a] = numBinop(x, y, func(i, j int64) int64 { return i + j }, func(i, j float64) float64 { return i + j })
	case bytecode.OP_SUB:
		fr.regs[a] = numBinop(x, y, func(i, j int64) int64 { return i - j }, func(i, j float64) float64 { return i - j })
	case bytecode.OP_MUL:
		fr.regs[a] = numBinop(x, y, func(i, j int64) int64 { return i * j }, func(i, j float64) float64 { return i * j })
	case bytecode.OP_DIV:
		fr.regs[a] = value.Float(x.ToFloat() / y.ToFloat())
	case bytecode.OP_POW:
		fr.regs[a] = value.Float(floatPow(x.ToFloat(), y.ToFloat()))
	case bytecode.OP_MOD:
		if x.IsInt() && y.IsInt() {
			if y.AsInt() == 0 {
				return false, errors.New(errors.RuntimeError, fr.loc(), "attempt to perform 'n%%0'")
			}
			fr.regs[a] = value.Int(luaIMod(x.AsInt(), y.AsInt()))
		} else {
			fr.regs[a] = value.Float(luaFMod(x.ToFloat(), y.ToFloat()))
		}
	case bytecode.OP_IDIV:
		if x.IsInt() && y.IsInt() {
			if y.AsInt() == 0 {
				return false, errors.New(errors.RuntimeError, fr.loc(), "attempt to perform 'n//0'")
			}
			fr.regs[a] = value.Int(luaIFloorDiv(x.AsInt(), y.AsInt()))
		} else {
			fr.regs[a] = value.Float(floorFloat(x.ToFloat() / y.ToFloat()))
		}
	case bytecode.OP_BAND, bytecode.OP_BOR, bytecode.OP_BXOR, bytecode.OP_SHL, bytecode.OP_SHR:
		xi, xok := toInteger(x)
		yi, yok := toInteger(y)
		if !xok || !yok {
			return false, nil
		}
		fr.regs[a] = value.Int(bitwiseOp(instr.OpCode(), xi, yi))
	}
	return true, nil
}

// arithImm runs the ADDI/SUBI/MULI fast path: the right operand is
// the instruction's biased sC immediate rather than a register,
// reporting ok=false when the left operand isn't a number so the
// caller falls through to the paired OP_MMBINI.
func (v *VM) arithImm(fr *Frame, instr bytecode.Instruction) (ok bool, err error) {
	a, b, sc := instr.A(), instr.B(), instr.SC()
	x := fr.regs[b]
	if !x.IsNumber() {
		return false, nil
	}
	y := value.Int(int64(sc))
	switch instr.OpCode() {
	case bytecode.OP_ADDI:
		fr.regs[a] = numBinop(x, y, func(i, j int64) int64 { return i + j }, func(i, j float64) float64 { return i + j })
	case bytecode.OP_SUBI:
		fr.regs[a] = numBinop(x, y, func(i, j int64) int64 { return i - j }, func(i, j float64) float64 { return i - j })
	case bytecode.OP_MULI:
		fr.regs[a] = numBinop(x, y, func(i, j int64) int64 { return i * j }, func(i, j float64) float64 { return i * j })
	}
	return true, nil
}

// arithConst runs the ADDK fast path: the right operand is a
// constant-pool value rather than a register.
func (v *VM) arithConst(fr *Frame, instr bytecode.Instruction) (ok bool, err error) {
	a, b, c := instr.A(), instr.B(), instr.C()
	x := fr.regs[b]
	y := fr.closure.Proto.Constants[c]
	if !x.IsNumber() || !y.IsNumber() {
		return false, nil
	}
	fr.regs[a] = numBinop(x, y, func(i, j int64) int64 { return i + j }, func(i, j float64) float64 { return i + j })
	return true, nil
}

func (v *VM) unm(fr *Frame, instr bytecode.Instruction) bool {
	x := fr.regs[instr.B()]
	if !x.IsNumber() {
		return false
	}
	if x.IsInt() {
		fr.regs[instr.A()] = value.Int(-x.AsInt())
	} else {
		fr.regs[instr.A()] = value.Float(-x.AsFloat())
	}
	return true
}

func (v *VM) bnot(fr *Frame, instr bytecode.Instruction) bool {
	x := fr.regs[instr.B()]
	xi, ok := toInteger(x)
	if !ok {
		return false
	}
	fr.regs[instr.A()] = value.Int(^xi)
	return true
}
