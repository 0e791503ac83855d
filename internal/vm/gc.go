// Stop-the-world mark-sweep over the VM's roots: globals, registry,
// main thread, the running thread and its ancestors, every reachable
// table/closure/userdata/thread, and the string-intern table's
// entries.
//
// Frames are not kept in any structure this package can walk from the
// outside — runLua's Frame lives on the Go call stack, recursing one
// Go frame per nested Lua call. A consequence: CollectGarbage only
// runs at a genuine safe point, when the invoking coroutine's call
// depth is zero — by the time any top-level VM.Call has returned, every
// frame it pushed has already run its teardown (closing every upvalue
// and to-be-closed local), so there is nothing live on the Go stack
// left to root. Lua code always runs inside at least one VM.Call, so
// collectgarbage() called from Lua, at any nesting level, is a no-op;
// only a host call to CollectGarbage made while no VM.Call is in
// progress collects.
//
// golang.org/x/sync's errgroup fans out per-coroutine root enumeration
// concurrently before the (strictly sequential) mark phase proper,
// repurposing the same "one error group joining many workers" shape
// used for parallel job dispatch elsewhere for parallel root
// discovery instead of parallel Lua execution (which stays strictly
// single-threaded).
package vm

import (
	"golang.org/x/sync/errgroup"

	"github.com/CppCXY/lua-rs-sub000/internal/bytecode"
	"github.com/CppCXY/lua-rs-sub000/internal/table"
	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

type gcState struct {
	objects map[uint32]bool
	strings map[uint32]bool
	// metaOwner maps a metatable's own *table.Table identity to the
	// pool handle it was allocated under, so that a table/userdata's
	// raw Meta pointer (not itself a Value, so not otherwise visited by
	// markValue) can still be recognised as live when some other table
	// points to it.
	metaOwner map[*table.Table]uint32
}

// CollectGarbage runs one full mark-sweep pass, honoring a __gc
// metatable field on each object it reclaims (spec §4.9's finalizer
// queue). It is a no-op unless every live coroutine's call depth is
// zero (see the package doc above).
func (v *VM) CollectGarbage() (collected int) {
	for co := v.current; co != nil; co = co.parent {
		if co.callDepth != 0 {
			return 0
		}
	}
	busy := false
	v.Objects.Each(func(_ uint32, obj value.Object) {
		if co, ok := obj.(*Coroutine); ok && co.callDepth != 0 {
			busy = true
		}
	})
	if busy {
		return 0
	}

	st := &gcState{
		objects:   make(map[uint32]bool),
		strings:   make(map[uint32]bool),
		metaOwner: make(map[*table.Table]uint32),
	}
	v.Objects.Each(func(h uint32, obj value.Object) {
		if t, ok := obj.(*table.Table); ok {
			st.metaOwner[t] = h
		}
	})

	var roots []*Coroutine
	seen := make(map[*Coroutine]bool)
	for co := v.current; co != nil; co = co.parent {
		if !seen[co] {
			seen[co] = true
			roots = append(roots, co)
		}
	}
	if !seen[v.main] {
		roots = append(roots, v.main)
	}

	// Root enumeration per coroutine is independent (each only touches
	// its own fn/errVal fields); fan it out, then mark sequentially
	// since the mark phase mutates shared state.
	var g errgroup.Group
	pending := make([][]value.Value, len(roots))
	for i, co := range roots {
		i, co := i, co
		g.Go(func() error {
			pending[i] = coroutineRootValues(co)
			return nil
		})
	}
	_ = g.Wait() // root enumeration never errors; Wait just joins the fan-out

	v.markValue(value.TableHandle(v.globalsHandle()), st)
	v.markValue(value.TableHandle(v.registryHandle()), st)
	for _, vals := range pending {
		for _, val := range vals {
			v.markValue(val, st)
		}
	}

	return v.sweep(st)
}

func coroutineRootValues(co *Coroutine) []value.Value {
	vals := []value.Value{co.fn}
	if co.hasErr {
		vals = append(vals, co.errVal)
	}
	return vals
}

func (v *VM) markValue(val value.Value, st *gcState) {
	switch val.Tag() {
	case value.TagString, value.TagBinary:
		st.strings[val.Handle()] = true
	case value.TagTable:
		if st.objects[val.Handle()] {
			return
		}
		st.objects[val.Handle()] = true
		v.markTable(v.table(val), st)
	case value.TagFunction:
		if st.objects[val.Handle()] {
			return
		}
		st.objects[val.Handle()] = true
		v.markFunction(v.function(val), st)
	case value.TagUserdata:
		if st.objects[val.Handle()] {
			return
		}
		st.objects[val.Handle()] = true
		u := v.userdata(val)
		if u.Meta != nil {
			v.markTableDirect(u.Meta, st)
		}
	case value.TagThread:
		if st.objects[val.Handle()] {
			return
		}
		st.objects[val.Handle()] = true
		co := v.coroutine(val)
		for _, rv := range coroutineRootValues(co) {
			v.markValue(rv, st)
		}
	}
}

func (v *VM) markTable(t *table.Table, st *gcState) { v.markTableDirect(t, st) }

// markTableDirect marks t's contents given the *table.Table itself
// rather than a Value carrying its handle — used both for
// handle-reached tables and for metatables reached only via another
// object's raw Meta pointer.
func (v *VM) markTableDirect(t *table.Table, st *gcState) {
	if h, ok := st.metaOwner[t]; ok {
		st.objects[h] = true
	}
	t.EachRaw(func(k, val value.Value) {
		v.markValue(k, st)
		v.markValue(val, st)
	})
	if t.Meta != nil {
		v.markTableDirect(t.Meta, st)
	}
}

func (v *VM) markFunction(fo *FunctionObj, st *gcState) {
	if fo.Proto != nil {
		v.markChunkConstants(fo.Proto, st, make(map[*bytecode.Chunk]bool))
	}
	for _, uv := range fo.Upvals {
		v.markValue(uv.Get(), st)
	}
}

func (v *VM) markChunkConstants(c *bytecode.Chunk, st *gcState, visited map[*bytecode.Chunk]bool) {
	if visited[c] {
		return
	}
	visited[c] = true
	for _, k := range c.Constants {
		v.markValue(k, st)
	}
	for _, nested := range c.Protos {
		v.markChunkConstants(nested, st, visited)
	}
}

// sweep frees every pool object and interned string not reached by
// the mark phase, running __gc on tables/userdata that declare one
// before releasing them (spec §4.9: "finalisers run before
// collection, with the object temporarily resurrected").
func (v *VM) sweep(st *gcState) int {
	var toFree []uint32
	v.Objects.Each(func(h uint32, obj value.Object) {
		if st.objects[h] {
			return
		}
		toFree = append(toFree, h)
	})
	for _, h := range toFree {
		obj := v.Objects.Get(h)
		v.runFinalizer(h, obj)
		v.Objects.Free(h)
	}

	var freedStrings int
	v.Strings.Each(func(h uint32, _ *value.StringObj) {
		if !st.strings[h] {
			v.Strings.Release(h)
			freedStrings++
		}
	})

	return len(toFree) + freedStrings
}

func (v *VM) runFinalizer(handle uint32, obj value.Object) {
	var mt *table.Table
	var self value.Value
	switch o := obj.(type) {
	case *table.Table:
		mt, self = o.Meta, value.TableHandle(handle)
	case *Userdata:
		mt, self = o.Meta, value.UserdataHandle(handle)
	default:
		return
	}
	if mt == nil {
		return
	}
	h := mt.Get(v.CreateString(bytecode.MM_GC.String()))
	if h.IsNil() {
		return
	}
	_, _ = v.Call(h, []value.Value{self})
}
