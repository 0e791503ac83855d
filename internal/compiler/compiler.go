// Package compiler implements a single-pass compiler from
// internal/ast trees to internal/bytecode Chunks. Register
// allocation, scope tracking, and loop/break bookkeeping follow the
// shape of a classic register-based compiler built around a
// Compiler/RegisterAllocator/Scope triple, generalized here with real
// upvalue resolution and late-binding closure semantics instead of
// capturing a value's state at closure-creation time.
package compiler

import (
	"github.com/CppCXY/lua-rs-sub000/internal/ast"
	"github.com/CppCXY/lua-rs-sub000/internal/bytecode"
	"github.com/CppCXY/lua-rs-sub000/internal/errors"
	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

type localVar struct {
	name   string
	attrib string
	reg    int
}

// blockScope is one lexical scope: a `do...end`, loop body, if-clause
// body, or function body. firstLocal/firstReg mark where to roll back
// to when the block closes.
type blockScope struct {
	parent     *blockScope
	firstLocal int
	firstReg   int
	isLoop     bool
	breakJumps []int
}

type gotoRef struct {
	label string
	pc    int
	line  int
}

// FuncState is the compiler's state for one function prototype being
// built; it chains to its lexically enclosing FuncState so upvalue
// resolution can walk outward.
type FuncState struct {
	parent *FuncState
	chunk  *bytecode.Chunk

	locals  []localVar
	block   *blockScope
	freeReg int
	maxSeen int

	constIndex map[constKey]int

	gotos  []gotoRef
	labels map[string]int

	strings *value.Strings
}

type constKey struct {
	tag value.Tag
	i   int64
	f   float64
	s   string
}

func newFuncState(parent *FuncState, source string, strings *value.Strings) *FuncState {
	return &FuncState{
		parent:     parent,
		chunk:      bytecode.NewChunk(source),
		constIndex: make(map[constKey]int),
		labels:     make(map[string]int),
		strings:    strings,
	}
}

// Compile compiles a parsed chunk into its top-level Chunk. strings is
// the shared string-intern table (internal/value); every Chunk
// produced by a single VM shares one, so identical source strings
// compiled at different times still intern to the same handle.
func Compile(strings *value.Strings, chunkName string, block *ast.Block) (*bytecode.Chunk, error) {
	fs := newFuncState(nil, chunkName, strings)
	fs.chunk.Upvalues = []bytecode.UpvalueDesc{{Name: "_ENV", InStack: false, Index: 0}}
	fs.chunk.IsVararg = true
	return fs.compileMain(block)
}

func (fs *FuncState) compileMain(block *ast.Block) (c *bytecode.Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ce, ok := r.(compileError); ok {
				err = ce.err
				return
			}
			panic(r)
		}
	}()
	fs.openBlock(false)
	fs.compileBlock(block)
	fs.closeBlock()
	fs.emit(bytecode.CreateABC(bytecode.OP_RETURN0, 0, 0, 0))
	fs.resolveGotos()
	fs.chunk.MaxStackSize = uint8(fs.maxReg() + 2)
	return fs.chunk, nil
}

type compileError struct{ err error }

func (fs *FuncState) fail(line int, format string, args ...interface{}) {
	loc := errors.SourceLocation{File: fs.chunk.Source, Line: line}
	panic(compileError{errors.New(errors.CompileError, loc, format, args...)})
}

// ---- registers -----------------------------------------------------------

func (fs *FuncState) reserve(n int) int {
	base := fs.freeReg
	fs.freeReg += n
	if fs.freeReg > fs.maxSeen {
		fs.maxSeen = fs.freeReg
	}
	return base
}

func (fs *FuncState) maxReg() int { return fs.maxSeen }

func (fs *FuncState) freeTo(n int) { fs.freeReg = n }

// ---- scopes & locals -------------------------------------------------------

func (fs *FuncState) openBlock(isLoop bool) {
	fs.block = &blockScope{parent: fs.block, firstLocal: len(fs.locals), firstReg: fs.freeReg, isLoop: isLoop}
}

func (fs *FuncState) closeBlock() {
	b := fs.block
	if len(fs.locals) > b.firstLocal {
		fs.emit(bytecode.CreateABC(bytecode.OP_CLOSE, b.firstReg, 0, 0))
	}
	fs.locals = fs.locals[:b.firstLocal]
	fs.freeTo(b.firstReg)
	fs.block = b.parent
}

func (fs *FuncState) addLocal(name, attrib string, reg int) {
	fs.locals = append(fs.locals, localVar{name: name, attrib: attrib, reg: reg})
}

func (fs *FuncState) resolveLocal(name string) (int, bool) {
	for i := len(fs.locals) - 1; i >= 0; i-- {
		if fs.locals[i].name == name {
			return fs.locals[i].reg, true
		}
	}
	return 0, false
}

func (fs *FuncState) findUpvalByName(name string) (int, bool) {
	for i, uv := range fs.chunk.Upvalues {
		if uv.Name == name {
			return i, true
		}
	}
	return 0, false
}

// resolveUpvalue resolves name to an upvalue index in fs, recursively
// pulling it in from an enclosing function's locals or upvalues if
// needed, per spec §4.2's scope/upvalue resolution.
func (fs *FuncState) resolveUpvalue(name string) (int, bool) {
	if idx, ok := fs.findUpvalByName(name); ok {
		return idx, true
	}
	if fs.parent == nil {
		return 0, false
	}
	if reg, ok := fs.parent.resolveLocal(name); ok {
		fs.chunk.Upvalues = append(fs.chunk.Upvalues, bytecode.UpvalueDesc{Name: name, InStack: true, Index: uint8(reg)})
		return len(fs.chunk.Upvalues) - 1, true
	}
	if idx, ok := fs.parent.resolveUpvalue(name); ok {
		fs.chunk.Upvalues = append(fs.chunk.Upvalues, bytecode.UpvalueDesc{Name: name, InStack: false, Index: uint8(idx)})
		return len(fs.chunk.Upvalues) - 1, true
	}
	return 0, false
}

func (fs *FuncState) envUpvalue() int {
	idx, ok := fs.resolveUpvalue("_ENV")
	if !ok {
		panic("internal: _ENV must always resolve")
	}
	return idx
}

// ---- emission --------------------------------------------------------------

func (fs *FuncState) emit(i bytecode.Instruction) int {
	fs.chunk.Code = append(fs.chunk.Code, i)
	fs.chunk.Lines = append(fs.chunk.Lines, 0)
	return len(fs.chunk.Code) - 1
}

func (fs *FuncState) emitAt(line int, i bytecode.Instruction) int {
	pc := fs.emit(i)
	fs.chunk.Lines[pc] = int32(line)
	return pc
}

func (fs *FuncState) emitJump() int {
	return fs.emit(bytecode.CreateSJ(bytecode.OP_JMP, 0))
}

func (fs *FuncState) patchJumpToHere(pc int) { fs.patchJumpTo(pc, len(fs.chunk.Code)) }

func (fs *FuncState) patchJumpTo(pc, target int) {
	sj := target - (pc + 1)
	fs.chunk.Code[pc] = bytecode.CreateSJ(bytecode.OP_JMP, sj)
}

// patchSBxTo rewrites the sBx field of an existing iAsBx instruction
// (FORPREP/FORLOOP/TFORPREP/TFORLOOP) in place, preserving its opcode
// and A — unlike patchJumpTo, which always rewrites the slot as a
// plain OP_JMP and so must never be used on these.
func (fs *FuncState) patchSBxTo(pc, target int) {
	instr := fs.chunk.Code[pc]
	sbx := target - (pc + 1)
	fs.chunk.Code[pc] = bytecode.CreateAsBx(instr.OpCode(), instr.A(), sbx)
}

// ---- constants --------------------------------------------------------------

func (fs *FuncState) constIdx(v value.Value, key constKey) int {
	if idx, ok := fs.constIndex[key]; ok {
		return idx
	}
	idx := len(fs.chunk.Constants)
	fs.chunk.Constants = append(fs.chunk.Constants, v)
	fs.constIndex[key] = idx
	return idx
}

func (fs *FuncState) stringConst(s string) int {
	handle := fs.strings.Intern([]byte(s), false)
	return fs.constIdx(value.StringHandle(handle), constKey{tag: value.TagString, s: s})
}

func (fs *FuncState) intConst(n int64) int {
	return fs.constIdx(value.Int(n), constKey{tag: value.TagInt, i: n})
}

func (fs *FuncState) floatConst(f float64) int {
	return fs.constIdx(value.Float(f), constKey{tag: value.TagFloat, f: f})
}

// ---- goto / label ------------------------------------------------------------

func (fs *FuncState) defineLabel(name string, line int) {
	if _, dup := fs.labels[name]; dup {
		fs.fail(line, "label '%s' already defined", name)
	}
	fs.labels[name] = len(fs.chunk.Code)
}

func (fs *FuncState) deferredGoto(name string, line int) {
	fs.gotos = append(fs.gotos, gotoRef{label: name, pc: fs.emitJump(), line: line})
}

func (fs *FuncState) resolveGotos() {
	for _, g := range fs.gotos {
		target, ok := fs.labels[g.label]
		if !ok {
			fs.fail(g.line, "no visible label '%s' for goto", g.label)
		}
		fs.patchJumpTo(g.pc, target)
	}
	fs.gotos = nil
}
