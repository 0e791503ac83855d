package value

// Header is embedded by every heap-allocated object that lives in a
// Pool (tables, closures, Go-function closures, userdata, threads).
// It carries the GC mark bit and an estimated byte size used against
// the VM's max_gc_memory cap.
type Header struct {
	Marked    bool
	Size      uint64
	Finalizer bool // true once a __gc metamethod has been queued or run
}

// Object is satisfied by every concrete heap type stored in a Pool.
type Object interface {
	GCHeader() *Header
}

// Pool is the per-VM heap for one handle namespace (tables, closures,
// userdata, and threads all share one Pool in this design — spec's
// "table(handle), function(handle), userdata(handle), thread(handle)
// — handles into the pool" explicitly groups them together, as
// opposed to the separate string/binary table in Strings).
//
// Handles are slice indices, not raw pointers: this gives pointer
// stability for free (a Go slice element's address can move on
// growth, but the *index* — the handle — never does, and callers
// always go through Get rather than caching a pointer across a
// growth event), which is the recommended policy in spec §9
// ("Hash-map pointer stability... box each object and store
// pointers") without needing unsafe.Pointer anywhere in this package.
type Pool struct {
	objects    []Object
	free       []uint32
	bytes      uint64
	limit      uint64
}

func NewPool(limitBytes uint64) *Pool {
	return &Pool{limit: limitBytes}
}

// Alloc installs obj with an estimated size, enforcing max_gc_memory.
// ok is false when the allocation would exceed the cap; the caller
// (the VM facade) turns that into an OutOfMemory error.
func (p *Pool) Alloc(obj Object, size uint64) (handle uint32, ok bool) {
	if p.limit != 0 && p.bytes+size > p.limit {
		return 0, false
	}
	obj.GCHeader().Size = size
	p.bytes += size
	if n := len(p.free); n > 0 {
		handle = p.free[n-1]
		p.free = p.free[:n-1]
		p.objects[handle] = obj
	} else {
		handle = uint32(len(p.objects))
		p.objects = append(p.objects, obj)
	}
	return handle, true
}

func (p *Pool) Get(handle uint32) Object { return p.objects[handle] }

func (p *Pool) Free(handle uint32) {
	obj := p.objects[handle]
	if obj == nil {
		return
	}
	p.bytes -= obj.GCHeader().Size
	p.objects[handle] = nil
	p.free = append(p.free, handle)
}

func (p *Pool) BytesUsed() uint64 { return p.bytes }
func (p *Pool) Limit() uint64     { return p.limit }

// Each visits every live object; used by the GC's mark and sweep
// passes.
func (p *Pool) Each(fn func(handle uint32, obj Object)) {
	for h, obj := range p.objects {
		if obj != nil {
			fn(uint32(h), obj)
		}
	}
}
