package vm

import (
	"github.com/CppCXY/lua-rs-sub000/internal/bytecode"
	"github.com/CppCXY/lua-rs-sub000/internal/compiler"
	"github.com/CppCXY/lua-rs-sub000/internal/errors"
	"github.com/CppCXY/lua-rs-sub000/internal/parser"
	"github.com/CppCXY/lua-rs-sub000/internal/table"
	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

// Config holds the resource limits spec §6/§10 requires new() to
// accept. A zero Config is not usable; callers needing the documented
// defaults should start from DefaultConfig().
type Config struct {
	MaxCallDepth        int
	MaxStackSize        int
	MaxGCMemory         uint64
	MaxInstructionCount uint64
}

// DefaultConfig returns the exact defaults spec §6's resource-limits
// table names: 200 / 1,000,000 / 512 MiB / unlimited.
func DefaultConfig() Config {
	return Config{
		MaxCallDepth:        200,
		MaxStackSize:        1_000_000,
		MaxGCMemory:         512 << 20,
		MaxInstructionCount: 0,
	}
}

// VM is the facade (component C12): one Strings/Objects/Globals/
// Registry set shared by every coroutine spawned from it.
type VM struct {
	Strings  *value.Strings
	Objects  *value.Pool
	Globals  *table.Table
	Registry *table.Table

	current *Coroutine
	main    *Coroutine

	cfg        Config
	instrCount uint64
	nextRef    int64

	globalsHandleCache  uint32
	registryHandleCache uint32
	stringMeta          *table.Table
}

var unsetHandle uint32 = ^uint32(0)

// New builds a VM with DefaultConfig and the standard library
// installed eagerly, collapsed into one constructor rather than
// deferring library loading to a second call.
func New() *VM { return NewWithConfig(DefaultConfig()) }

func NewWithConfig(cfg Config) *VM {
	v := &VM{
		Strings:             value.NewStrings(),
		Objects:             value.NewPool(cfg.MaxGCMemory),
		cfg:                 cfg,
		globalsHandleCache:  unsetHandle,
		registryHandleCache: unsetHandle,
	}
	v.Globals = table.New(v.strHash, 0, 0)
	v.Registry = table.New(v.strHash, 0, 0)
	v.main = &Coroutine{status: CoRunning, vm: v}
	v.current = v.main
	OpenLibs(v)
	return v
}

func (v *VM) strHash(handle uint32) uint64 { return v.Strings.Get(handle).Hash }

// allocOrGC allocates obj in the object pool, running one collection
// pass and retrying once if the pool is at its max_gc_memory cap
// before giving up with OutOfMemory (spec §4.9: collection is
// triggered "at allocation sites when the configured limit would
// otherwise be exceeded").
func (v *VM) allocOrGC(obj value.Object, size uint64) uint32 {
	h, ok := v.Objects.Alloc(obj, size)
	if !ok {
		v.CollectGarbage()
		h, ok = v.Objects.Alloc(obj, size)
	}
	if !ok {
		panic(errors.OutOfMemoryError(errors.SourceLocation{}, v.Objects.BytesUsed(), v.Objects.Limit()))
	}
	return h
}

// newTable allocates a fresh table object in the GC pool and returns
// its handle.
func (v *VM) newTable(narrHint, nrecHint int) uint32 {
	t := table.New(v.strHash, narrHint, nrecHint)
	return v.allocOrGC(t, 64)
}

// CreateTable implements the VM facade's create_table allocator.
func (v *VM) CreateTable(narr, nrec int) value.Value {
	return value.TableHandle(v.newTable(narr, nrec))
}

// CreateString implements create_string: intern s and return a Value.
func (v *VM) CreateString(s string) value.Value {
	return value.StringHandle(v.Strings.Intern([]byte(s), false))
}

// CreateUserdata implements create_userdata: box an opaque host value.
func (v *VM) CreateUserdata(data interface{}) value.Value {
	u := &Userdata{Data: data}
	return value.UserdataHandle(v.allocOrGC(u, 32))
}

func (v *VM) table(val value.Value) *table.Table {
	return v.Objects.Get(val.Handle()).(*table.Table)
}

func (v *VM) function(val value.Value) *FunctionObj {
	return v.Objects.Get(val.Handle()).(*FunctionObj)
}

func (v *VM) userdata(val value.Value) *Userdata {
	return v.Objects.Get(val.Handle()).(*Userdata)
}

// stringContent returns the Go string backing a string/binary Value.
func (v *VM) stringContent(val value.Value) string {
	return v.Strings.Get(val.Handle()).String()
}

// Compile parses and compiles source into a callable top-level
// closure, without running it.
func (v *VM) Compile(chunkName, source string) (value.Value, error) {
	block, err := parser.Parse(chunkName, source)
	if err != nil {
		return value.Nil, err
	}
	chunk, err := compiler.Compile(v.Strings, chunkName, block)
	if err != nil {
		return value.Nil, err
	}
	return v.makeMainClosure(chunk), nil
}

// Load implements the facade's `load`: identical to Compile, named to
// match spec §4.10's table.
func (v *VM) Load(chunkName, source string) (value.Value, error) { return v.Compile(chunkName, source) }

func (v *VM) makeMainClosure(chunk *bytecode.Chunk) value.Value {
	envUp := &Upvalue{closed: value.TableHandle(v.globalsHandle())}
	fn := &FunctionObj{Proto: chunk, Upvals: []*Upvalue{envUp}, Name: chunk.Source}
	return value.FunctionHandle(v.allocOrGC(fn, 128))
}

func (v *VM) globalsHandle() uint32 {
	if v.globalsHandleCache != unsetHandle {
		return v.globalsHandleCache
	}
	h, ok := v.Objects.Alloc(v.Globals, 64)
	if !ok {
		panic(errors.OutOfMemoryError(errors.SourceLocation{}, v.Objects.BytesUsed(), v.Objects.Limit()))
	}
	v.globalsHandleCache = h
	return h
}

func (v *VM) registryHandle() uint32 {
	if v.registryHandleCache != unsetHandle {
		return v.registryHandleCache
	}
	h, ok := v.Objects.Alloc(v.Registry, 64)
	if !ok {
		panic(errors.OutOfMemoryError(errors.SourceLocation{}, v.Objects.BytesUsed(), v.Objects.Limit()))
	}
	v.registryHandleCache = h
	return h
}

// SetGlobal/GetGlobal implement raw _ENV access (spec facade table).
func (v *VM) SetGlobal(name string, val value.Value) {
	v.Globals.Set(v.CreateString(name), val)
}

func (v *VM) GetGlobal(name string) value.Value {
	return v.Globals.Get(v.CreateString(name))
}

// RegisterFunction installs a host Go function as a global (spec
// `register_function`).
func (v *VM) RegisterFunction(name string, fn GoFunc) {
	v.SetGlobal(name, v.newGoFunction(name, fn))
}

func (v *VM) newGoFunction(name string, fn GoFunc) value.Value {
	fo := &FunctionObj{Go: fn, Name: name}
	return value.FunctionHandle(v.allocOrGC(fo, 48))
}

// RegistrySet/RegistryGet implement the persistent reference table.
func (v *VM) RegistrySet(key, val value.Value) { v.Registry.Set(key, val) }
func (v *VM) RegistryGet(key value.Value) value.Value { return v.Registry.Get(key) }

// CreateRef issues a monotonically increasing integer registry key
// pinning val, per spec's `create_ref`/`release_ref` pair — used by
// embedders to hold a Value alive across an async yield boundary.
func (v *VM) CreateRef(val value.Value) int64 {
	v.nextRef++
	id := v.nextRef
	v.Registry.Set(value.Int(id), val)
	return id
}

func (v *VM) ReleaseRef(id int64) { v.Registry.Set(value.Int(id), value.Nil) }

// Run compiles and executes source as a vararg chunk, returning
// whatever it returns (spec's `execute`).
func (v *VM) Run(chunkName, source string, args ...value.Value) (results []value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ee, ok := r.(*errors.EngineError); ok {
				results, err = nil, ee
				return
			}
			panic(r)
		}
	}()
	fn, err := v.Compile(chunkName, source)
	if err != nil {
		return nil, err
	}
	return v.Call(fn, args)
}

// Call invokes any callable Value (Lua closure, Go function, or a
// value with a __call metamethod) with args, synchronously, against
// the currently running coroutine (unprotected; spec's `call`).
func (v *VM) Call(fn value.Value, args []value.Value) (results []value.Value, err error) {
	co := v.current
	co.callDepth++
	defer func() { co.callDepth-- }()
	defer func() {
		if r := recover(); r != nil {
			if ee, ok := r.(*errors.EngineError); ok {
				results, err = nil, ee
				return
			}
			panic(r)
		}
	}()
	if co.callDepth > v.cfg.MaxCallDepth {
		return nil, errors.StackOverflowError(errors.SourceLocation{}, co.callDepth, v.cfg.MaxCallDepth)
	}
	if !fn.IsFunction() {
		if handler, ok := v.callMetamethod(fn); ok {
			return v.Call(handler, append([]value.Value{fn}, args...))
		}
		return nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "attempt to call a %s value", value.TypeName(fn.Tag()))
	}
	fo := v.function(fn)
	if fo.IsGo() {
		return fo.Go(v, args)
	}
	fr := newFrame(fo)
	np := int(fo.Proto.NumParams)
	for i := 0; i < np && i < len(args); i++ {
		fr.regs[i] = args[i]
	}
	if fo.Proto.IsVararg && len(args) > np {
		fr.varargs = append([]value.Value{}, args[np:]...)
	}
	return v.runLua(fr)
}

// Pcall implements spec's `pcall`: run fn protected, converting any
// EngineError into (false, [errValue]) instead of propagating it.
func (v *VM) Pcall(fn value.Value, args []value.Value) (ok bool, results []value.Value) {
	results, err := v.protectedCall(fn, args)
	if err != nil {
		return false, []value.Value{v.errorValue(err)}
	}
	return true, results
}

// Xpcall implements spec's `xpcall`: like Pcall, but an error is first
// passed through handler before the stack has fully unwound to this
// call (approximated here as: handler runs with the raw error value
// immediately after the protected call fails).
func (v *VM) Xpcall(fn value.Value, args []value.Value, handler value.Value) (ok bool, results []value.Value) {
	results, err := v.protectedCall(fn, args)
	if err == nil {
		return true, results
	}
	hres, herr := v.Call(handler, []value.Value{v.errorValue(err)})
	if herr != nil {
		wrapped := errors.InHandler(err, herr)
		return false, []value.Value{v.errorValue(wrapped)}
	}
	return false, hres
}

func (v *VM) protectedCall(fn value.Value, args []value.Value) (results []value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ee, ok := r.(*errors.EngineError); ok {
				err = ee
				return
			}
			panic(r)
		}
	}()
	return v.Call(fn, args)
}

// errorValue extracts the Lua-level raised value from an engine
// error, falling back to its message string for errors that never
// carried a Value (e.g. StackOverflow, Interrupted).
func (v *VM) errorValue(err error) value.Value {
	if ee, ok := err.(*errors.EngineError); ok {
		if val, ok := ee.Value.(value.Value); ok {
			return val
		}
		return v.CreateString(ee.Error())
	}
	return v.CreateString(err.Error())
}
