package compiler

import (
	"github.com/CppCXY/lua-rs-sub000/internal/ast"
	"github.com/CppCXY/lua-rs-sub000/internal/bytecode"
)

// compileExpr compiles e, leaving its (single) value in register
// target. Multi-value expressions (calls, `...`) are truncated to
// their first result here, matching Lua's single-value-context rule.
func (fs *FuncState) compileExpr(e ast.Expr, target int) {
	switch n := e.(type) {
	case *ast.NilExpr:
		fs.emit(bytecode.CreateABC(bytecode.OP_LOADNIL, target, 0, 0))
	case *ast.TrueExpr:
		fs.emit(bytecode.CreateABC(bytecode.OP_LOADTRUE, target, 0, 0))
	case *ast.FalseExpr:
		fs.emit(bytecode.CreateABC(bytecode.OP_LOADFALSE, target, 0, 0))
	case *ast.IntExpr:
		fs.loadInt(target, n.Value)
	case *ast.FloatExpr:
		idx := fs.floatConst(n.Value)
		fs.emit(bytecode.CreateABx(bytecode.OP_LOADK, target, idx))
	case *ast.StringExpr:
		idx := fs.stringConst(n.Value)
		fs.emit(bytecode.CreateABx(bytecode.OP_LOADK, target, idx))
	case *ast.VarargExpr:
		fs.emit(bytecode.CreateABC(bytecode.OP_VARARG, target, 0, 2))
	case *ast.ParenExpr:
		fs.compileExpr(n.Inner, target)
	case *ast.NameExpr:
		fs.compileName(n.Name, n.Line, target)
	case *ast.IndexExpr:
		fs.compileIndex(n, target)
	case *ast.FieldExpr:
		fs.compileField(n, target)
	case *ast.CallExpr:
		fs.compileCall(n, target, 2)
	case *ast.FunctionExpr:
		fs.compileFunctionExpr(n, target)
	case *ast.TableExpr:
		fs.compileTable(n, target)
	case *ast.UnaryExpr:
		fs.compileUnary(n, target)
	case *ast.BinaryExpr:
		fs.compileBinary(n, target)
	default:
		fs.fail(0, "unsupported expression node %T", e)
	}
}

func (fs *FuncState) loadInt(target int, n int64) {
	if n >= -bytecode.MaxSBx && n <= bytecode.MaxSBx {
		fs.emit(bytecode.CreateAsBx(bytecode.OP_LOADI, target, int(n)))
		return
	}
	idx := fs.intConst(n)
	fs.emit(bytecode.CreateABx(bytecode.OP_LOADK, target, idx))
}

// compileToTemp compiles e into a freshly reserved temp register and
// returns it; callers that only need a value transiently (operands of
// an operator) use this instead of threading an externally-owned
// target through.
func (fs *FuncState) compileToTemp(e ast.Expr) int {
	r := fs.reserve(1)
	fs.compileExpr(e, r)
	return r
}

func (fs *FuncState) compileName(name string, line int, target int) {
	if reg, ok := fs.resolveLocal(name); ok {
		if reg != target {
			fs.emit(bytecode.CreateABC(bytecode.OP_MOVE, target, reg, 0))
		}
		return
	}
	if idx, ok := fs.resolveUpvalue(name); ok {
		fs.emit(bytecode.CreateABC(bytecode.OP_GETUPVAL, target, idx, 0))
		return
	}
	env := fs.envUpvalue()
	k := fs.stringConst(name)
	fs.emitAt(line, bytecode.CreateABC(bytecode.OP_GETTABUP, target, env, k))
}

func (fs *FuncState) compileIndex(n *ast.IndexExpr, target int) {
	save := fs.freeReg
	obj := fs.compileToTemp(n.Object)
	if lit, ok := n.Key.(*ast.IntExpr); ok && lit.Value >= 0 && lit.Value <= bytecode.MaxArgA {
		fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_GETI, target, obj, int(lit.Value)))
		fs.freeTo(save)
		return
	}
	key := fs.compileToTemp(n.Key)
	fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_GETTABLE, target, obj, key))
	fs.freeTo(save)
}

func (fs *FuncState) compileField(n *ast.FieldExpr, target int) {
	save := fs.freeReg
	obj := fs.compileToTemp(n.Object)
	k := fs.stringConst(n.Field)
	fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_GETFIELD, target, obj, k))
	fs.freeTo(save)
}

// ---- calls -----------------------------------------------------------------

// compileCall compiles a call expression, requesting nresults+1
// results into registers starting at target (per OP_CALL's C
// encoding; 0 means "as many as the callee returns").
func (fs *FuncState) compileCall(n *ast.CallExpr, target int, wantC int) {
	save := fs.freeReg
	fs.freeTo(target)
	base := fs.reserve(1)

	if n.Method != "" {
		fs.compileExpr(n.Callee, base)
		fs.reserve(1) // self slot, filled by OP_SELF
		k := fs.stringConst(n.Method)
		fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_SELF, base, base, k))
	} else {
		fs.compileExpr(n.Callee, base)
	}

	nargs := fs.compileExprList(n.Args, fs.freeReg, -1)

	b := nargs + 1
	if nargs < 0 {
		b = 0
	}
	fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_CALL, base, b, wantC))

	if save > fs.freeReg {
		fs.freeTo(save)
	} else {
		fs.freeTo(base + 1)
	}
}

// compileTailCall compiles `return f(...)` as a tail call: same
// argument setup as compileCall, but emits OP_TAILCALL instead of
// OP_CALL so the dispatcher can reuse the current frame instead of
// recursing, keeping unbounded tail recursion from growing the Go
// call stack.
func (fs *FuncState) compileTailCall(n *ast.CallExpr, target int) {
	fs.freeTo(target)
	base := fs.reserve(1)

	if n.Method != "" {
		fs.compileExpr(n.Callee, base)
		fs.reserve(1)
		k := fs.stringConst(n.Method)
		fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_SELF, base, base, k))
	} else {
		fs.compileExpr(n.Callee, base)
	}

	nargs := fs.compileExprList(n.Args, fs.freeReg, -1)
	b := nargs + 1
	if nargs < 0 {
		b = 0
	}
	fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_TAILCALL, base, b, 0))
}

// compileExprList compiles a list of expressions into consecutive
// registers starting at base. If the last expression is a call or
// `...`, it expands to fill all remaining results when want<0 (open
// list, e.g. call arguments or a return statement), or supplies exactly
// the values still wanted when want>=0 (e.g. a `local a,b,c = ...` with
// a fixed LHS count; extra results are dropped, missing ones are nil).
// Returns the number of values produced, or -1 if the list ends open
// (VM must read "up to top of stack").
func (fs *FuncState) compileExprList(exprs []ast.Expr, base int, want int) int {
	fs.freeTo(base)
	if len(exprs) == 0 {
		if want > 0 {
			fs.reserve(want)
			fs.emit(bytecode.CreateABC(bytecode.OP_LOADNIL, base, want-1, 0))
		}
		if want < 0 {
			return 0
		}
		return want
	}
	for _, e := range exprs[:len(exprs)-1] {
		r := fs.reserve(1)
		fs.compileExpr(e, r)
	}
	last := exprs[len(exprs)-1]
	openLast := want < 0 && isMultiExpr(last)
	if openLast {
		r := fs.reserve(1)
		switch c := last.(type) {
		case *ast.CallExpr:
			fs.compileCall(c, r, 0)
		case *ast.VarargExpr:
			fs.emit(bytecode.CreateABC(bytecode.OP_VARARG, r, 0, 0))
		}
		return -1
	}
	if want >= len(exprs) && isMultiExpr(last) {
		r := fs.reserve(1)
		nres := want - len(exprs) + 1
		switch c := last.(type) {
		case *ast.CallExpr:
			fs.compileCall(c, r, nres+1)
		case *ast.VarargExpr:
			fs.emit(bytecode.CreateABC(bytecode.OP_VARARG, r, 0, nres+1))
		}
		fs.freeTo(r + 1)
		fs.reserve(nres - 1)
		return want
	}
	r := fs.reserve(1)
	fs.compileExpr(last, r)
	produced := len(exprs)
	if want >= 0 {
		for produced < want {
			rr := fs.reserve(1)
			fs.emit(bytecode.CreateABC(bytecode.OP_LOADNIL, rr, 0, 0))
			produced++
		}
		if produced > want {
			fs.freeTo(base + want)
			produced = want
		}
	}
	return produced
}

func isMultiExpr(e ast.Expr) bool {
	switch e.(type) {
	case *ast.CallExpr, *ast.VarargExpr:
		return true
	}
	return false
}

// ---- closures ----------------------------------------------------------------

func (fs *FuncState) compileFunctionExpr(n *ast.FunctionExpr, target int) {
	child := newFuncState(fs, fs.chunk.Source, fs.strings)
	child.chunk.LineDefined = n.Line
	child.chunk.IsVararg = n.IsVararg
	child.chunk.NumParams = uint8(len(n.Params))
	child.openBlock(false)
	for _, p := range n.Params {
		reg := child.reserve(1)
		child.addLocal(p, "", reg)
	}
	if n.IsVararg {
		child.emit(bytecode.CreateABC(bytecode.OP_VARARGPREP, len(n.Params), 0, 0))
	}
	child.compileBlock(n.Body)
	child.closeBlock()
	child.emit(bytecode.CreateABC(bytecode.OP_RETURN0, 0, 0, 0))
	child.resolveGotos()
	child.chunk.MaxStackSize = uint8(child.maxReg() + 2)

	protoIdx := len(fs.chunk.Protos)
	fs.chunk.Protos = append(fs.chunk.Protos, child.chunk)
	fs.emitAt(n.Line, bytecode.CreateABx(bytecode.OP_CLOSURE, target, protoIdx))
}

// ---- table constructors -------------------------------------------------------

func (fs *FuncState) compileTable(n *ast.TableExpr, target int) {
	save := fs.freeReg
	fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_NEWTABLE, target, 0, 0))
	fs.freeTo(target + 1)

	arrayIdx := 0
	pendingArrayBase := -1
	pendingCount := 0

	flush := func() {
		if pendingCount == 0 {
			return
		}
		fs.emit(bytecode.CreateABC(bytecode.OP_SETLIST, target, pendingCount, arrayIdx-pendingCount))
		fs.freeTo(target + 1)
		pendingCount = 0
		pendingArrayBase = -1
	}

	for i, field := range n.Fields {
		if field.Key != nil {
			flush()
			save2 := fs.freeReg
			if lit, ok := field.Key.(*ast.StringExpr); ok {
				vreg := fs.compileToTemp(field.Value)
				k := fs.stringConst(lit.Value)
				fs.emit(bytecode.CreateABC(bytecode.OP_SETFIELD, target, k, vreg))
			} else {
				kreg := fs.compileToTemp(field.Key)
				vreg := fs.compileToTemp(field.Value)
				fs.emit(bytecode.CreateABC(bytecode.OP_SETTABLE, target, kreg, vreg))
			}
			fs.freeTo(save2)
			continue
		}
		arrayIdx++
		isLast := i == len(n.Fields)-1
		if isLast && isMultiExpr(field.Value) {
			if pendingArrayBase == -1 {
				pendingArrayBase = fs.freeReg
			}
			r := fs.reserve(1)
			switch c := field.Value.(type) {
			case *ast.CallExpr:
				fs.compileCall(c, r, 0)
			case *ast.VarargExpr:
				fs.emit(bytecode.CreateABC(bytecode.OP_VARARG, r, 0, 0))
			}
			fs.emit(bytecode.CreateABC(bytecode.OP_SETLIST, target, 0, arrayIdx-1-pendingCount))
			pendingCount = 0
			pendingArrayBase = -1
			continue
		}
		if pendingArrayBase == -1 {
			pendingArrayBase = fs.freeReg
		}
		r := fs.reserve(1)
		fs.compileExpr(field.Value, r)
		pendingCount++
		if pendingCount >= 50 {
			flush()
		}
	}
	flush()
	fs.freeTo(save)
}

// ---- operators -----------------------------------------------------------------

var arithOp = map[ast.BinOp]bytecode.OpCode{
	ast.OpAdd: bytecode.OP_ADD, ast.OpSub: bytecode.OP_SUB, ast.OpMul: bytecode.OP_MUL,
	ast.OpDiv: bytecode.OP_DIV, ast.OpMod: bytecode.OP_MOD, ast.OpPow: bytecode.OP_POW,
	ast.OpIDiv: bytecode.OP_IDIV, ast.OpBAnd: bytecode.OP_BAND, ast.OpBOr: bytecode.OP_BOR,
	ast.OpBXor: bytecode.OP_BXOR, ast.OpShl: bytecode.OP_SHL, ast.OpShr: bytecode.OP_SHR,
}

var arithEvent = map[ast.BinOp]bytecode.MMEvent{
	ast.OpAdd: bytecode.MM_ADD, ast.OpSub: bytecode.MM_SUB, ast.OpMul: bytecode.MM_MUL,
	ast.OpDiv: bytecode.MM_DIV, ast.OpMod: bytecode.MM_MOD, ast.OpPow: bytecode.MM_POW,
	ast.OpIDiv: bytecode.MM_IDIV, ast.OpBAnd: bytecode.MM_BAND, ast.OpBOr: bytecode.MM_BOR,
	ast.OpBXor: bytecode.MM_BXOR, ast.OpShl: bytecode.MM_SHL, ast.OpShr: bytecode.MM_SHR,
}

func (fs *FuncState) compileBinary(n *ast.BinaryExpr, target int) {
	switch n.Op {
	case ast.OpAnd:
		fs.compileExpr(n.Left, target)
		j := fs.jumpIfFalse(target)
		fs.compileExpr(n.Right, target)
		fs.patchJumpToHere(j)
		return
	case ast.OpOr:
		fs.compileExpr(n.Left, target)
		j := fs.jumpIfTrue(target)
		fs.compileExpr(n.Right, target)
		fs.patchJumpToHere(j)
		return
	case ast.OpConcat:
		fs.compileConcat(n, target)
		return
	case ast.OpEq, ast.OpNe, ast.OpLt, ast.OpLe, ast.OpGt, ast.OpGe:
		fs.compileComparisonValue(n, target)
		return
	}
	if fastOp, ok := immArithOp[n.Op]; ok {
		if lit, ok := n.Right.(*ast.IntExpr); ok && lit.Value >= bytecode.MinImm && lit.Value <= bytecode.MaxImm {
			save := fs.freeReg
			l := fs.compileToTemp(n.Left)
			sc := bytecode.BiasImm(int(lit.Value))
			fs.emitAt(n.Line, bytecode.CreateABC(fastOp, target, l, sc))
			fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_MMBINI, l, sc, int(arithEvent[n.Op])))
			fs.freeTo(save)
			return
		}
	}
	// ADDK: an addition whose right operand is an integer constant
	// outside ADDI's immediate range. Other operators have no
	// constant-pool fast path; they fall through to the generic
	// register/register form below.
	if n.Op == ast.OpAdd {
		if lit, ok := n.Right.(*ast.IntExpr); ok {
			save := fs.freeReg
			l := fs.compileToTemp(n.Left)
			k := fs.intConst(lit.Value)
			fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_ADDK, target, l, k))
			fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_MMBINK, l, k, int(bytecode.MM_ADD)))
			fs.freeTo(save)
			return
		}
	}
	if op, ok := arithOp[n.Op]; ok {
		save := fs.freeReg
		l := fs.compileToTemp(n.Left)
		r := fs.compileToTemp(n.Right)
		fs.emitAt(n.Line, bytecode.CreateABC(op, target, l, r))
		fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_MMBIN, l, r, int(arithEvent[n.Op])))
		fs.freeTo(save)
		return
	}
	fs.fail(n.Line, "unsupported binary operator %q", n.Op)
}

var immArithOp = map[ast.BinOp]bytecode.OpCode{
	ast.OpAdd: bytecode.OP_ADDI, ast.OpSub: bytecode.OP_SUBI, ast.OpMul: bytecode.OP_MULI,
}

// compileConcat flattens a right-nested chain of `..` into one
// CONCAT over consecutive registers (Lua's `..` is right-associative,
// but concatenation is still evaluated left to right).
func (fs *FuncState) compileConcat(n *ast.BinaryExpr, target int) {
	var parts []ast.Expr
	var flatten func(ast.Expr)
	flatten = func(e ast.Expr) {
		if b, ok := e.(*ast.BinaryExpr); ok && b.Op == ast.OpConcat {
			flatten(b.Left)
			flatten(b.Right)
			return
		}
		parts = append(parts, e)
	}
	flatten(n)
	save := fs.freeReg
	base := fs.freeReg
	for _, p := range parts {
		r := fs.reserve(1)
		fs.compileExpr(p, r)
	}
	fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_CONCAT, base, len(parts), 0))
	if base != target {
		fs.emit(bytecode.CreateABC(bytecode.OP_MOVE, target, base, 0))
	}
	fs.freeTo(save)
}

func (fs *FuncState) compileComparisonValue(n *ast.BinaryExpr, target int) {
	j := fs.compileCondFalseJump(n)
	fs.emit(bytecode.CreateABC(bytecode.OP_LOADTRUE, target, 0, 0))
	skip := fs.emitJump()
	fs.patchJumpToHere(j)
	fs.emit(bytecode.CreateABC(bytecode.OP_LOADFALSE, target, 0, 0))
	fs.patchJumpToHere(skip)
}

func (fs *FuncState) compileUnary(n *ast.UnaryExpr, target int) {
	save := fs.freeReg
	r := fs.compileToTemp(n.Operand)
	switch n.Op {
	case ast.OpNeg:
		fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_UNM, target, r, 0))
		fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_MMBIN, r, r, int(bytecode.MM_UNM)))
	case ast.OpBNot:
		fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_BNOT, target, r, 0))
		fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_MMBIN, r, r, int(bytecode.MM_BNOT)))
	case ast.OpNot:
		fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_NOT, target, r, 0))
	case ast.OpLen:
		fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_LEN, target, r, 0))
	}
	fs.freeTo(save)
}

// ---- boolean / conditional jump helpers ------------------------------------------

func (fs *FuncState) jumpIfFalse(reg int) int {
	fs.emit(bytecode.CreateABCk(bytecode.OP_TEST, reg, 0, 0, false))
	return fs.emitJump()
}

func (fs *FuncState) jumpIfTrue(reg int) int {
	fs.emit(bytecode.CreateABCk(bytecode.OP_TEST, reg, 0, 0, true))
	return fs.emitJump()
}

var cmpOp = map[ast.BinOp]struct {
	op   bytecode.OpCode
	k    bool
	swap bool
}{
	ast.OpEq: {bytecode.OP_EQ, false, false},
	ast.OpNe: {bytecode.OP_EQ, true, false},
	ast.OpLt: {bytecode.OP_LT, false, false},
	ast.OpLe: {bytecode.OP_LE, false, false},
	ast.OpGt: {bytecode.OP_LT, false, true},
	ast.OpGe: {bytecode.OP_LE, false, true},
}

// cmpImmOp maps a comparison whose right operand is a small integer
// literal to its immediate opcode (EQI/LTI/LEI/GTI/GEI) and k flag;
// `>`/`>=` have their own GTI/GEI opcodes, so unlike cmpOp no operand
// swap is needed.
var cmpImmOp = map[ast.BinOp]struct {
	op bytecode.OpCode
	k  bool
}{
	ast.OpEq: {bytecode.OP_EQI, false},
	ast.OpNe: {bytecode.OP_EQI, true},
	ast.OpLt: {bytecode.OP_LTI, false},
	ast.OpLe: {bytecode.OP_LEI, false},
	ast.OpGt: {bytecode.OP_GTI, false},
	ast.OpGe: {bytecode.OP_GEI, false},
}

// compileCondFalseJump compiles cond and returns the pc of a JMP
// instruction taken exactly when cond evaluates false; the caller
// patches its target.
func (fs *FuncState) compileCondFalseJump(cond ast.Expr) int {
	if b, ok := cond.(*ast.BinaryExpr); ok {
		if lit, ok := b.Right.(*ast.IntExpr); ok && lit.Value >= bytecode.MinImm && lit.Value <= bytecode.MaxImm {
			if c, ok := cmpImmOp[b.Op]; ok {
				save := fs.freeReg
				l := fs.compileToTemp(b.Left)
				fs.emitAt(b.Line, bytecode.CreateABCk(c.op, l, bytecode.BiasImm(int(lit.Value)), 0, c.k))
				fs.freeTo(save)
				return fs.emitJump()
			}
		}
		if lit, ok := b.Left.(*ast.StringExpr); ok && b.Op == ast.OpEq {
			save := fs.freeReg
			r := fs.compileToTemp(b.Right)
			k := fs.stringConst(lit.Value)
			fs.emitAt(b.Line, bytecode.CreateABCk(bytecode.OP_EQK, r, k, 0, false))
			fs.freeTo(save)
			return fs.emitJump()
		}
		if lit, ok := b.Right.(*ast.StringExpr); ok && (b.Op == ast.OpEq || b.Op == ast.OpNe) {
			save := fs.freeReg
			l := fs.compileToTemp(b.Left)
			k := fs.stringConst(lit.Value)
			fs.emitAt(b.Line, bytecode.CreateABCk(bytecode.OP_EQK, l, k, 0, b.Op == ast.OpNe))
			fs.freeTo(save)
			return fs.emitJump()
		}
		if c, ok := cmpOp[b.Op]; ok {
			save := fs.freeReg
			l := fs.compileToTemp(b.Left)
			r := fs.compileToTemp(b.Right)
			if c.swap {
				l, r = r, l
			}
			fs.emitAt(b.Line, bytecode.CreateABCk(c.op, l, r, 0, c.k))
			fs.freeTo(save)
			return fs.emitJump()
		}
	}
	save := fs.freeReg
	r := fs.compileToTemp(cond)
	j := fs.jumpIfFalse(r)
	fs.freeTo(save)
	return j
}
