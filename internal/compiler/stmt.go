package compiler

import (
	"github.com/CppCXY/lua-rs-sub000/internal/ast"
	"github.com/CppCXY/lua-rs-sub000/internal/bytecode"
)

func (fs *FuncState) compileBlock(b *ast.Block) {
	for _, st := range b.Stmts {
		fs.compileStmt(st)
	}
}

func (fs *FuncState) compileStmt(st ast.Stmt) {
	switch n := st.(type) {
	case *ast.LocalStmt:
		fs.compileLocal(n)
	case *ast.AssignStmt:
		fs.compileAssign(n)
	case *ast.ExprStmt:
		fs.compileCall(n.Call, fs.freeReg, 1)
	case *ast.DoStmt:
		fs.openBlock(false)
		fs.compileBlock(n.Body)
		fs.closeBlock()
	case *ast.WhileStmt:
		fs.compileWhile(n)
	case *ast.RepeatStmt:
		fs.compileRepeat(n)
	case *ast.IfStmt:
		fs.compileIf(n)
	case *ast.NumericForStmt:
		fs.compileNumericFor(n)
	case *ast.GenericForStmt:
		fs.compileGenericFor(n)
	case *ast.ReturnStmt:
		fs.compileReturn(n)
	case *ast.BreakStmt:
		fs.compileBreak(n)
	case *ast.GotoStmt:
		fs.deferredGoto(n.Label, n.Line)
	case *ast.LabelStmt:
		fs.defineLabel(n.Name, n.Line)
	case *ast.FunctionDeclStmt:
		fs.compileFunctionDecl(n)
	default:
		fs.fail(0, "unsupported statement node %T", st)
	}
}

func (fs *FuncState) compileLocal(n *ast.LocalStmt) {
	base := fs.freeReg
	fs.compileExprList(n.Exprs, base, len(n.Names))
	for i, name := range n.Names {
		fs.addLocal(name, n.Attribs[i], base+i)
		if n.Attribs[i] == "close" {
			fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_TBC, base+i, 0, 0))
		}
	}
}

func (fs *FuncState) compileAssign(n *ast.AssignStmt) {
	save := fs.freeReg
	base := fs.freeReg
	fs.compileExprList(n.Exprs, base, len(n.Targets))
	for i, target := range n.Targets {
		fs.storeTo(target, base+i, n.Line)
	}
	fs.freeTo(save)
}

// storeTo assigns the value currently in register src to an
// assignable expression target (NameExpr/IndexExpr/FieldExpr).
func (fs *FuncState) storeTo(target ast.Expr, src int, line int) {
	switch t := target.(type) {
	case *ast.NameExpr:
		if reg, ok := fs.resolveLocal(t.Name); ok {
			if reg != src {
				fs.emit(bytecode.CreateABC(bytecode.OP_MOVE, reg, src, 0))
			}
			return
		}
		if idx, ok := fs.resolveUpvalue(t.Name); ok {
			fs.emit(bytecode.CreateABC(bytecode.OP_SETUPVAL, src, idx, 0))
			return
		}
		env := fs.envUpvalue()
		k := fs.stringConst(t.Name)
		fs.emitAt(t.Line, bytecode.CreateABC(bytecode.OP_SETTABUP, env, k, src))
	case *ast.FieldExpr:
		save := fs.freeReg
		obj := fs.compileToTemp(t.Object)
		k := fs.stringConst(t.Field)
		fs.emitAt(t.Line, bytecode.CreateABC(bytecode.OP_SETFIELD, obj, k, src))
		fs.freeTo(save)
	case *ast.IndexExpr:
		save := fs.freeReg
		obj := fs.compileToTemp(t.Object)
		if lit, ok := t.Key.(*ast.IntExpr); ok && lit.Value >= 0 && lit.Value <= bytecode.MaxArgA {
			fs.emitAt(t.Line, bytecode.CreateABC(bytecode.OP_SETI, obj, int(lit.Value), src))
			fs.freeTo(save)
			return
		}
		key := fs.compileToTemp(t.Key)
		fs.emitAt(t.Line, bytecode.CreateABC(bytecode.OP_SETTABLE, obj, key, src))
		fs.freeTo(save)
	default:
		fs.fail(line, "cannot assign to this expression")
	}
}

func (fs *FuncState) compileWhile(n *ast.WhileStmt) {
	top := len(fs.chunk.Code)
	jFalse := fs.compileCondFalseJump(n.Cond)
	fs.openBlock(true)
	fs.compileBlock(n.Body)
	fs.emit(bytecode.CreateABC(bytecode.OP_CLOSE, fs.block.firstReg, 0, 0))
	back := fs.emitJump()
	fs.patchJumpTo(back, top)
	end := len(fs.chunk.Code)
	fs.patchJumpTo(jFalse, end)
	for _, bj := range fs.block.breakJumps {
		fs.patchJumpTo(bj, end)
	}
	fs.locals = fs.locals[:fs.block.firstLocal]
	fs.freeTo(fs.block.firstReg)
	fs.block = fs.block.parent
}

func (fs *FuncState) compileRepeat(n *ast.RepeatStmt) {
	top := len(fs.chunk.Code)
	fs.openBlock(true)
	fs.compileBlock(n.Body)
	// cond is compiled while the body's locals are still in scope, per
	// Lua's `repeat...until` rule.
	jFalse := fs.compileCondFalseJump(n.Cond)
	fs.patchJumpTo(jFalse, top)
	fs.emit(bytecode.CreateABC(bytecode.OP_CLOSE, fs.block.firstReg, 0, 0))
	end := len(fs.chunk.Code)
	for _, bj := range fs.block.breakJumps {
		fs.patchJumpTo(bj, end)
	}
	fs.locals = fs.locals[:fs.block.firstLocal]
	fs.freeTo(fs.block.firstReg)
	fs.block = fs.block.parent
}

func (fs *FuncState) compileIf(n *ast.IfStmt) {
	var endJumps []int
	for i, clause := range n.Clauses {
		if clause.Cond == nil { // else
			fs.openBlock(false)
			fs.compileBlock(clause.Body)
			fs.closeBlock()
			continue
		}
		jFalse := fs.compileCondFalseJump(clause.Cond)
		fs.openBlock(false)
		fs.compileBlock(clause.Body)
		fs.closeBlock()
		if i < len(n.Clauses)-1 {
			endJumps = append(endJumps, fs.emitJump())
		}
		fs.patchJumpToHere(jFalse)
	}
	for _, j := range endJumps {
		fs.patchJumpToHere(j)
	}
}

func (fs *FuncState) compileNumericFor(n *ast.NumericForStmt) {
	base := fs.reserve(4)
	fs.compileExpr(n.Start, base)
	fs.compileExpr(n.Stop, base+1)
	if n.Step != nil {
		fs.compileExpr(n.Step, base+2)
	} else {
		fs.loadInt(base+2, 1)
	}
	prepPC := fs.emitAt(n.Line, bytecode.CreateAsBx(bytecode.OP_FORPREP, base, 0))
	bodyStart := len(fs.chunk.Code)

	fs.openBlock(true)
	fs.addLocal(n.Name, "", base+3)
	fs.compileBlock(n.Body)
	fs.emit(bytecode.CreateABC(bytecode.OP_CLOSE, base+4, 0, 0))

	loopPC := fs.emit(bytecode.CreateAsBx(bytecode.OP_FORLOOP, base, 0))
	fs.patchSBxTo(loopPC, bodyStart)
	end := len(fs.chunk.Code)
	fs.patchSBxTo(prepPC, end)
	for _, bj := range fs.block.breakJumps {
		fs.patchJumpTo(bj, end)
	}
	fs.locals = fs.locals[:fs.block.firstLocal]
	fs.block = fs.block.parent
	fs.freeTo(base)
}

// compileGenericFor compiles `for names in exprs do ... end`. The
// control block reserves four registers, not three: iterator
// function, state, control variable, and a fourth slot for a
// to-be-closed value the expression list's last call may produce
// (mirroring a <close> local's lifetime, but scoped to the whole loop
// rather than one iteration) — OP_TFORPREP marks it, and it is closed
// once, on every exit from the loop, not per iteration.
func (fs *FuncState) compileGenericFor(n *ast.GenericForStmt) {
	base := fs.reserve(4)
	fs.compileExprList(n.Exprs, base, 4)

	prepPC := fs.emitAt(n.Line, bytecode.CreateAsBx(bytecode.OP_TFORPREP, base, 0))
	bodyStart := len(fs.chunk.Code)

	fs.openBlock(true)
	for _, name := range n.Names {
		reg := fs.reserve(1)
		fs.addLocal(name, "", reg)
	}
	fs.compileBlock(n.Body)
	fs.emit(bytecode.CreateABC(bytecode.OP_CLOSE, base+4, 0, 0))

	callPC := fs.emit(bytecode.CreateABC(bytecode.OP_TFORCALL, base, 0, len(n.Names)))
	fs.patchSBxTo(prepPC, callPC)
	loopPC := fs.emit(bytecode.CreateAsBx(bytecode.OP_TFORLOOP, base, 0))
	fs.patchSBxTo(loopPC, bodyStart)
	closePC := fs.emit(bytecode.CreateABC(bytecode.OP_CLOSE, base+3, 0, 0))
	for _, bj := range fs.block.breakJumps {
		fs.patchJumpTo(bj, closePC)
	}
	fs.locals = fs.locals[:fs.block.firstLocal]
	fs.block = fs.block.parent
	fs.freeTo(base)
}

func (fs *FuncState) compileReturn(n *ast.ReturnStmt) {
	if len(n.Exprs) == 0 {
		fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_RETURN0, 0, 0, 0))
		return
	}
	if len(n.Exprs) == 1 {
		if call, ok := n.Exprs[0].(*ast.CallExpr); ok {
			base := fs.freeReg
			fs.compileTailCall(call, base)
			fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_RETURN, base, 0, 0))
			return
		}
		r := fs.freeReg
		fs.compileExpr(n.Exprs[0], r)
		fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_RETURN1, r, 0, 0))
		return
	}
	base := fs.freeReg
	n2 := fs.compileExprList(n.Exprs, base, -1)
	b := n2 + 1
	if n2 < 0 {
		b = 0
	}
	fs.emitAt(n.Line, bytecode.CreateABC(bytecode.OP_RETURN, base, b, 0))
}

func (fs *FuncState) compileBreak(n *ast.BreakStmt) {
	for b := fs.block; b != nil; b = b.parent {
		if b.isLoop {
			b.breakJumps = append(b.breakJumps, fs.emitJump())
			return
		}
	}
	fs.fail(n.Line, "break outside a loop")
}

// compileFunctionDecl desugars `function name(...)`/`local function
// name(...)`/`function obj.field(...)` into an assignment, after
// predeclaring the name for `local function` so the body can recurse.
func (fs *FuncState) compileFunctionDecl(n *ast.FunctionDeclStmt) {
	if n.IsLocal {
		name := n.Target.(*ast.NameExpr)
		reg := fs.reserve(1)
		fs.addLocal(name.Name, "", reg)
		fs.compileExpr(n.Fn, reg)
		return
	}
	r := fs.compileToTemp(n.Fn)
	fs.storeTo(n.Target, r, n.Line)
	fs.freeTo(r)
}
