// Package table implements the hybrid array/hash table of spec §3/§4.5
// (component C3): a dense array part for positions 1..n_array, and an
// open-addressed hash part using Brent's-variation insertion for
// everything else.
package table

import (
	"math"
	"math/bits"

	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

// StringHash resolves the cached hash of an interned string handle.
// The table package has no access to the VM's string table itself —
// this narrow callback is the only coupling point, supplied once at
// construction.
type StringHash func(handle uint32) uint64

type entry struct {
	key  value.Value
	val  value.Value
	used bool
	next int32 // index of next entry in this key's collision chain, or -1
}

// Table is a GC-managed heap object: it embeds value.Header so it can
// live in a value.Pool and be visited by the mark-sweep collector.
type Table struct {
	value.Header

	array []value.Value // array[i] holds logical key i+1

	hash     []entry
	hashUsed int

	strHash StringHash
	Meta    *Table // metatable, nil if none
}

func (t *Table) GCHeader() *value.Header { return &t.Header }

func New(strHash StringHash, narrHint, nrecHint int) *Table {
	t := &Table{strHash: strHash}
	if narrHint > 0 {
		t.array = make([]value.Value, 0, narrHint)
	}
	if nrecHint > 0 {
		t.growHash(nextPow2(nrecHint))
	}
	return t
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// ---- key hashing -----------------------------------------------------

func (t *Table) hashOf(k value.Value) uint64 {
	switch k.Tag() {
	case value.TagString, value.TagBinary:
		return t.strHash(k.Handle())
	case value.TagInt:
		return splitmix64(uint64(k.AsInt()))
	case value.TagFloat:
		f := k.AsFloat()
		if i := int64(f); float64(i) == f {
			return splitmix64(uint64(i))
		}
		return splitmix64(math.Float64bits(f))
	default:
		// booleans, table/function/userdata/thread handles,
		// lightuserdata: hash the raw bits, tag included so the
		// same handle value in a different namespace never
		// collides in a way that would change correctness (only
		// performance).
		return splitmix64(uint64(k.Tag()))<<1 ^ splitmix64(uint64(k.Handle()))
	}
}

func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

// ---- raw access --------------------------------------------------------

// GetInt is the fast path for RAW integer-keyed reads used by GETI and
// by the array-aware stdlib (spec §4.5 "Raw get by integer key").
func (t *Table) GetInt(k int64) value.Value {
	if k >= 1 && int(k) <= len(t.array) {
		return t.array[k-1]
	}
	return t.getHash(value.Int(k))
}

func (t *Table) Get(k value.Value) value.Value {
	if k.IsInt() {
		return t.GetInt(k.AsInt())
	}
	if k.IsFloat() {
		if i := int64(k.AsFloat()); float64(i) == k.AsFloat() {
			return t.GetInt(i)
		}
	}
	return t.getHash(k)
}

// FieldCache is a one-slot monomorphic inline cache for a single
// GETFIELD/SETFIELD call site: it remembers which table a site last
// saw and which hash slot answered its constant key, so a repeated
// access against the *same* table skips main-position hashing and
// chain walking entirely. A miss (different table, or the remembered
// slot no longer holds that key) falls back to the normal path and
// refreshes the cache.
type FieldCache struct {
	table *Table
	slot  int
}

// GetCached is getHash specialised for a cacheable call site; k must
// already be known non-numeric (field keys are always string
// constants, never array-part integer keys).
func (t *Table) GetCached(k value.Value, c *FieldCache) value.Value {
	if c.table == t && c.slot >= 0 && c.slot < len(t.hash) {
		if e := &t.hash[c.slot]; e.used && value.RawEqual(e.key, k) {
			return e.val
		}
	}
	if len(t.hash) == 0 {
		return value.Nil
	}
	i := t.mainPosition(k)
	for i != -1 {
		e := &t.hash[i]
		if e.used && value.RawEqual(e.key, k) {
			c.table, c.slot = t, i
			return e.val
		}
		i = int(e.next)
	}
	return value.Nil
}

// SetCached is Set specialised the same way for SETFIELD sites; it
// only takes the fast path for an existing key (a brand new key still
// needs Set's full array/rehash bookkeeping).
func (t *Table) SetCached(k, v value.Value, c *FieldCache) bool {
	if c.table == t && c.slot >= 0 && c.slot < len(t.hash) {
		if e := &t.hash[c.slot]; e.used && value.RawEqual(e.key, k) {
			if v.IsNil() {
				t.deleteHash(k)
				return true
			}
			e.val = v
			return true
		}
	}
	return false
}

func (t *Table) getHash(k value.Value) value.Value {
	if len(t.hash) == 0 {
		return value.Nil
	}
	i := t.mainPosition(k)
	for i != -1 {
		e := &t.hash[i]
		if e.used && value.RawEqual(e.key, k) {
			return e.val
		}
		i = int(e.next)
	}
	return value.Nil
}

// Set performs a raw write, honoring deletion-on-nil and the
// forbidden-nil/NaN-key rules (spec §3 Table invariants). Callers
// (SETTABLE et al.) are responsible for rejecting nil/NaN keys before
// calling Set only if they want a Lua-level error; Set itself treats
// a nil key as a no-op to stay safe.
func (t *Table) Set(k, v value.Value) {
	if k.IsNil() {
		return
	}
	if k.IsFloat() {
		f := k.AsFloat()
		if f != f { // NaN
			return
		}
		if i := int64(f); float64(i) == f {
			k = value.Int(i)
		}
	}
	if k.IsInt() {
		n := k.AsInt()
		if n >= 1 && int(n) <= len(t.array) {
			if v.IsNil() {
				t.deleteArrayIndex(int(n))
				return
			}
			t.array[n-1] = v
			return
		}
		if n == int64(len(t.array))+1 && !v.IsNil() {
			t.array = append(t.array, v)
			t.absorbFromHash()
			return
		}
	}
	if v.IsNil() {
		t.deleteHash(k)
		return
	}
	t.setHash(k, v)
}

// shrinkArray trims trailing nils so n_array always reflects the
// dense prefix (spec invariant #3).
func (t *Table) shrinkArray() {
	for len(t.array) > 0 && t.array[len(t.array)-1].IsNil() {
		t.array = t.array[:len(t.array)-1]
	}
}

// deleteArrayIndex clears the 1-based array index n. Clearing the
// trailing element just shrinks the dense prefix, but clearing any
// other element would otherwise leave a hole inside [1..n_array] —
// the array part never contains holes in that range, so instead every
// element after n is migrated into the hash part (keyed by its
// logical 1-based index) and the array is truncated to n-1.
func (t *Table) deleteArrayIndex(n int) {
	if n == len(t.array) {
		t.array[n-1] = value.Nil
		t.shrinkArray()
		return
	}
	for i := n; i < len(t.array); i++ {
		if tv := t.array[i]; !tv.IsNil() {
			t.setHash(value.Int(int64(i+1)), tv)
		}
	}
	t.array = t.array[:n-1]
}

// absorbFromHash opportunistically migrates contiguous integer keys
// n_array+1, n_array+2, ... out of the hash part into the array part
// after an append (spec §4.5).
func (t *Table) absorbFromHash() {
	for {
		next := value.Int(int64(len(t.array)) + 1)
		v := t.getHash(next)
		if v.IsNil() {
			return
		}
		t.deleteHash(next)
		t.array = append(t.array, v)
	}
}

func (t *Table) mainPosition(k value.Value) int {
	if len(t.hash) == 0 {
		return -1
	}
	return int(t.hashOf(k) & uint64(len(t.hash)-1))
}

func (t *Table) growHash(size int) {
	if size < 1 {
		size = 1
	}
	old := t.hash
	t.hash = make([]entry, size)
	for i := range t.hash {
		t.hash[i].next = -1
	}
	t.hashUsed = 0
	for _, e := range old {
		if e.used {
			t.setHash(e.key, e.val)
		}
	}
}

func (t *Table) freeSlot() int {
	for i := range t.hash {
		if !t.hash[i].used {
			return i
		}
	}
	return -1
}

// setHash implements Brent's-variation insertion (spec §4.5): an
// entry ends up at its key's main position unless that slot is
// already taken by an entry that belongs there (then the new entry
// goes to a free slot chained off it); an occupant that does not
// belong there is evicted to a free slot first.
func (t *Table) setHash(k, v value.Value) {
	if len(t.hash) == 0 {
		t.growHash(4)
	}
	main := t.mainPosition(k)

	// Key already present anywhere in its chain?
	for i := main; i != -1; {
		e := &t.hash[i]
		if e.used && value.RawEqual(e.key, k) {
			e.val = v
			return
		}
		i = int(e.next)
	}

	if !t.hash[main].used {
		t.hash[main] = entry{key: k, val: v, used: true, next: -1}
		t.hashUsed++
		t.maybeRehash()
		return
	}

	occupant := t.hash[main].key
	if t.mainPosition(occupant) == main {
		// Occupant belongs here; new key chains off it via a free slot.
		free := t.freeSlot()
		if free == -1 {
			t.rehashGrow()
			t.setHash(k, v)
			return
		}
		tail := main
		for t.hash[tail].next != -1 {
			tail = int(t.hash[tail].next)
		}
		t.hash[free] = entry{key: k, val: v, used: true, next: -1}
		t.hash[tail].next = int32(free)
		t.hashUsed++
		t.maybeRehash()
		return
	}

	// Occupant is a misplaced interloper (chained in from elsewhere);
	// evict it to a free slot and take its main position for the new key.
	free := t.freeSlot()
	if free == -1 {
		t.rehashGrow()
		t.setHash(k, v)
		return
	}
	occMain := t.mainPosition(occupant)
	pred := occMain
	for int(t.hash[pred].next) != main {
		pred = int(t.hash[pred].next)
	}
	t.hash[free] = t.hash[main]
	t.hash[pred].next = int32(free)
	t.hash[main] = entry{key: k, val: v, used: true, next: -1}
	t.hashUsed++
	t.maybeRehash()
}

func (t *Table) deleteHash(k value.Value) {
	if len(t.hash) == 0 {
		return
	}
	i := t.mainPosition(k)
	for i != -1 {
		e := &t.hash[i]
		if e.used && value.RawEqual(e.key, k) {
			e.val = value.Nil
			e.used = false
			t.hashUsed--
			return
		}
		i = int(e.next)
	}
}

func (t *Table) maybeRehash() {
	if t.hashUsed >= len(t.hash) {
		t.rehashGrow()
	}
}

func (t *Table) rehashGrow() {
	t.growHash(len(t.hash) * 2)
}

// Len implements the length operator: the deterministic array-part
// size, not a search for an arbitrary valid border (spec §4.5, §9
// deviation).
func (t *Table) Len() int { return len(t.array) }

// Next implements next(t, k) for pairs()/ipairs() iteration: array
// part first in index order, then the hash part in storage order
// (spec §4.5). Returns ok=false once iteration is exhausted.
func (t *Table) Next(k value.Value) (nk, nv value.Value, ok bool) {
	if k.IsNil() {
		if nk, nv, ok := t.nextArrayFrom(0); ok {
			return nk, nv, ok
		}
		return t.firstHash()
	}
	if k.IsInt() {
		n := k.AsInt()
		if n >= 1 && int(n) <= len(t.array) {
			if nk, nv, ok := t.nextArrayFrom(int(n)); ok {
				return nk, nv, ok
			}
			return t.firstHash()
		}
	}
	// continuing within the hash part: find k's slot, then scan forward
	i := t.mainPosition(k)
	for i != -1 {
		if t.hash[i].used && value.RawEqual(t.hash[i].key, k) {
			return t.nextHashFrom(i + 1)
		}
		i = int(t.hash[i].next)
	}
	return value.Nil, value.Nil, false
}

// nextArrayFrom scans the array part starting at 0-based index start
// for the next non-nil slot, skipping over any hole defensively (Set
// is expected to keep [1..n_array] dense, but Next never trusts that
// blindly — a stale or future bug in Set must not surface as pairs()
// handing out a nil value for a key it just reported as live).
func (t *Table) nextArrayFrom(start int) (value.Value, value.Value, bool) {
	for i := start; i < len(t.array); i++ {
		if !t.array[i].IsNil() {
			return value.Int(int64(i + 1)), t.array[i], true
		}
	}
	return value.Nil, value.Nil, false
}

// EachRaw visits every live key/value pair, array part first then
// hash part in storage order; used by the GC's mark phase (component
// C4) to traverse a table's contents without going through next()'s
// iteration-resume protocol.
func (t *Table) EachRaw(fn func(k, v value.Value)) {
	for i, val := range t.array {
		if !val.IsNil() {
			fn(value.Int(int64(i+1)), val)
		}
	}
	for _, e := range t.hash {
		if e.used {
			fn(e.key, e.val)
		}
	}
}

func (t *Table) firstHash() (value.Value, value.Value, bool) { return t.nextHashFrom(0) }

func (t *Table) nextHashFrom(start int) (value.Value, value.Value, bool) {
	for i := start; i < len(t.hash); i++ {
		if t.hash[i].used {
			return t.hash[i].key, t.hash[i].val, true
		}
	}
	return value.Nil, value.Nil, false
}
