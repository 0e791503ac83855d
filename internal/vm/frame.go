package vm

import (
	"github.com/CppCXY/lua-rs-sub000/internal/bytecode"
	"github.com/CppCXY/lua-rs-sub000/internal/errors"
	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

// Frame is one Lua call's activation record: a fixed register window
// sized to the prototype's MaxStackSize (never reallocated, so
// Upvalue.stack aliases stay valid for the frame's whole life) plus
// the bookkeeping the dispatcher needs to resume after a nested call.
type Frame struct {
	closure *FunctionObj
	regs    []value.Value
	pc      int
	varargs []value.Value

	openUpvals map[int]*Upvalue

	// openMulti/openMultiBase hold the trailing results of the most
	// recent open-arity production (a CALL with C=0 or a VARARG with
	// C=0): everything from openMultiBase to the conceptual top of
	// stack, without actually growing regs. The frame's register window
	// is sized once from the compiler's static maxReg() and never
	// reallocated (upvalue aliases depend on that), so an open tail
	// production that could in principle be unbounded (a vararg chain,
	// a chain of calls each returning many values) is kept out of band
	// here instead; only CALL/RETURN/SETLIST/VARARG's own B=0 "read to
	// top" encoding ever consults it, never ordinary register reads.
	openMulti     []value.Value
	openMultiBase int

	// tbc lists registers holding a to-be-closed (`<close>`) local,
	// in declaration order; OP_CLOSE and function return drain it.
	tbc []int
}

func newFrame(closure *FunctionObj) *Frame {
	proto := closure.Proto
	size := int(proto.MaxStackSize)
	if size < int(proto.NumParams)+4 {
		size = int(proto.NumParams) + 4
	}
	return &Frame{closure: closure, regs: make([]value.Value, size)}
}

// findOrMakeUpvalue returns the open upvalue aliasing register reg in
// this frame, creating it on first reference so later CLOSURE
// instructions in sibling nested functions share the same cell (spec
// §4.4's "distinct closures over the same local share one cell").
func (f *Frame) findOrMakeUpvalue(reg int) *Upvalue {
	if f.openUpvals == nil {
		f.openUpvals = make(map[int]*Upvalue)
	}
	if uv, ok := f.openUpvals[reg]; ok {
		return uv
	}
	uv := &Upvalue{stack: f.regs, index: reg}
	f.openUpvals[reg] = uv
	return uv
}

// closeFrom closes (snapshots and detaches) every open upvalue at or
// above register from, per OP_CLOSE's contract.
func (f *Frame) closeFrom(from int) {
	for reg, uv := range f.openUpvals {
		if reg >= from {
			uv.Close()
			delete(f.openUpvals, reg)
		}
	}
}

// openValuesFrom collects the values conceptually occupying registers
// [from, top): the plain registers up to openMultiBase, followed by
// whatever the last open production left in openMulti.
func (f *Frame) openValuesFrom(from int) []value.Value {
	if f.openMultiBase < from {
		return nil
	}
	out := append([]value.Value{}, f.regs[from:f.openMultiBase]...)
	return append(out, f.openMulti...)
}

func (f *Frame) markToBeClosed(reg int) {
	f.tbc = append(f.tbc, reg)
}

func (f *Frame) line() int {
	if f.pc-1 >= 0 && f.pc-1 < len(f.closure.Proto.Lines) {
		return int(f.closure.Proto.Lines[f.pc-1])
	}
	return f.closure.Proto.LineDefined
}

func (f *Frame) code() []bytecode.Instruction { return f.closure.Proto.Code }

// loc reports the current instruction's source location, for error
// messages raised mid-dispatch.
func (f *Frame) loc() errors.SourceLocation {
	return errors.SourceLocation{File: f.closure.Proto.Source, Line: f.line()}
}
