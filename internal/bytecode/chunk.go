package bytecode

import (
	"github.com/CppCXY/lua-rs-sub000/internal/table"
	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

// UpvalueDesc records how a prototype's Nth upvalue is captured: from
// a register slot in the immediately enclosing prototype's activation
// (InStack), or from that enclosing prototype's own Upvalues array
// (otherwise). See spec §4.2 "Scope & upvalue resolution".
type UpvalueDesc struct {
	Name    string
	InStack bool
	Index   uint8
}

// Chunk is an immutable compiled function prototype (spec §3 "Chunk").
type Chunk struct {
	Source     string
	LineDefined int

	Code  []Instruction
	Lines []int32 // Lines[pc] is the source line of Code[pc]

	Constants []value.Value

	Upvalues []UpvalueDesc
	Protos   []*Chunk // nested function literals

	NumParams  uint8
	IsVararg   bool
	MaxStackSize uint8

	// Locals is debug info only: name + the [start,end) pc range a
	// register held that name. The compiler does not fill it in and
	// the dispatcher never consults it.
	Locals []LocalDebug

	// fieldCache holds one inline-cache slot per GETFIELD/SETFIELD
	// call site, lazily sized to len(Code) on first use.
	fieldCache []table.FieldCache
}

// FieldCacheSlot returns the inline-cache slot for the instruction at
// pc, allocating the cache array on first use.
func (c *Chunk) FieldCacheSlot(pc int) *table.FieldCache {
	if c.fieldCache == nil {
		c.fieldCache = make([]table.FieldCache, len(c.Code))
	}
	return &c.fieldCache[pc]
}

type LocalDebug struct {
	Name     string
	StartPC  int
	EndPC    int
	Register int
}

func NewChunk(source string) *Chunk {
	return &Chunk{Source: source}
}
