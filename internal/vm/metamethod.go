// Metamethod dispatch. Resolves a value's operator/indexing hooks by
// walking its metatable (and, for __index/__newindex chains, any
// metatable those point to in turn) and falling back to nil or a
// plain runtime error when no handler is found.
package vm

import (
	"fmt"
	"math"

	"github.com/CppCXY/lua-rs-sub000/internal/bytecode"
	"github.com/CppCXY/lua-rs-sub000/internal/errors"
	"github.com/CppCXY/lua-rs-sub000/internal/table"
	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

const maxIndexChain = 100

func (v *VM) metatableOf(val value.Value) *table.Table {
	switch val.Tag() {
	case value.TagTable:
		return v.table(val).Meta
	case value.TagUserdata:
		return v.userdata(val).Meta
	case value.TagString, value.TagBinary:
		return v.stringMeta
	default:
		return nil
	}
}

// SetMetatable installs mt (nil to clear) on val; only tables and
// userdata carry a metatable of their own (spec §4.8).
func (v *VM) SetMetatable(val value.Value, mt *table.Table) error {
	switch val.Tag() {
	case value.TagTable:
		v.table(val).Meta = mt
		return nil
	case value.TagUserdata:
		v.userdata(val).Meta = mt
		return nil
	default:
		return errors.New(errors.RuntimeError, errors.SourceLocation{}, "cannot set metatable on a %s value", value.TypeName(val.Tag()))
	}
}

func (v *VM) getmm(val value.Value, event bytecode.MMEvent) value.Value {
	mt := v.metatableOf(val)
	if mt == nil {
		return value.Nil
	}
	return mt.Get(v.CreateString(event.String()))
}

func first(vs []value.Value) value.Value {
	if len(vs) == 0 {
		return value.Nil
	}
	return vs[0]
}

// callMetamethod resolves __call for a non-function value, used by
// VM.Call to make tables/userdata callable.
func (v *VM) callMetamethod(fn value.Value) (value.Value, bool) {
	h := v.getmm(fn, bytecode.MM_CALL)
	if h.IsNil() {
		return value.Nil, false
	}
	return h, true
}

// ---- arithmetic / unary fallback (OP_MMBIN) --------------------------------

func typeNameForErr(v *VM, val value.Value) string {
	if val.IsTable() {
		if mt := v.metatableOf(val); mt != nil {
			if n := mt.Get(v.CreateString("__name")); n.IsString() {
				return v.stringContent(n)
			}
		}
	}
	return value.TypeName(val.Tag())
}

// mmBinary runs the metamethod fallback for an arithmetic/bitwise
// binary op that failed its fast path, storing the single result into
// target (spec §4.1's MMBIN pairing; §4.8's event dispatch).
func (v *VM) mmBinary(fr *Frame, lhs, rhs value.Value, event bytecode.MMEvent, target int) error {
	handler := v.getmm(lhs, event)
	if handler.IsNil() {
		handler = v.getmm(rhs, event)
	}
	if handler.IsNil() {
		bad := lhs
		if lhs.IsNumber() || (event == bytecode.MM_CONCAT && lhs.IsString()) {
			bad = rhs
		}
		verb := "perform arithmetic on"
		if event == bytecode.MM_BAND || event == bytecode.MM_BOR || event == bytecode.MM_BXOR ||
			event == bytecode.MM_SHL || event == bytecode.MM_SHR || event == bytecode.MM_BNOT {
			verb = "perform bitwise operation on"
		}
		return errors.New(errors.RuntimeError, fr.loc(), "attempt to %s a %s value", verb, typeNameForErr(v, bad))
	}
	results, err := v.Call(handler, []value.Value{lhs, rhs})
	if err != nil {
		return err
	}
	fr.regs[target] = first(results)
	return nil
}

// ---- indexing ---------------------------------------------------------------

func (v *VM) checkKey(key value.Value) error {
	if key.IsNil() {
		return errors.New(errors.RuntimeError, errors.SourceLocation{}, "table index is nil")
	}
	if key.IsFloat() {
		f := key.AsFloat()
		if f != f {
			return errors.New(errors.RuntimeError, errors.SourceLocation{}, "table index is NaN")
		}
	}
	return nil
}

// Index implements GETTABLE/GETFIELD/GETI/GETTABUP's shared semantics:
// raw lookup, falling back through the __index chain (spec §4.8).
func (v *VM) Index(obj, key value.Value) (value.Value, error) {
	for depth := 0; depth < maxIndexChain; depth++ {
		if obj.IsTable() {
			t := v.table(obj)
			val := t.Get(key)
			if !val.IsNil() || t.Meta == nil {
				return val, nil
			}
			h := t.Meta.Get(v.CreateString("__index"))
			if h.IsNil() {
				return value.Nil, nil
			}
			if h.IsFunction() {
				res, err := v.Call(h, []value.Value{obj, key})
				return first(res), err
			}
			obj = h
			continue
		}
		mt := v.metatableOf(obj)
		if mt == nil {
			return value.Nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "attempt to index a %s value", typeNameForErr(v, obj))
		}
		h := mt.Get(v.CreateString("__index"))
		if h.IsNil() {
			return value.Nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "attempt to index a %s value", typeNameForErr(v, obj))
		}
		if h.IsFunction() {
			res, err := v.Call(h, []value.Value{obj, key})
			return first(res), err
		}
		obj = h
	}
	return value.Nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "'__index' chain too long; possible loop")
}

// NewIndex implements SETTABLE/SETFIELD/SETI/SETTABUP's shared
// semantics: raw set unless an existing __newindex intercepts it.
func (v *VM) NewIndex(obj, key, val value.Value) error {
	for depth := 0; depth < maxIndexChain; depth++ {
		if obj.IsTable() {
			t := v.table(obj)
			if !t.Get(key).IsNil() || t.Meta == nil {
				if err := v.checkKey(key); err != nil {
					return err
				}
				t.Set(key, val)
				return nil
			}
			h := t.Meta.Get(v.CreateString("__newindex"))
			if h.IsNil() {
				if err := v.checkKey(key); err != nil {
					return err
				}
				t.Set(key, val)
				return nil
			}
			if h.IsFunction() {
				_, err := v.Call(h, []value.Value{obj, key, val})
				return err
			}
			obj = h
			continue
		}
		mt := v.metatableOf(obj)
		if mt == nil {
			return errors.New(errors.RuntimeError, errors.SourceLocation{}, "attempt to index a %s value", typeNameForErr(v, obj))
		}
		h := mt.Get(v.CreateString("__newindex"))
		if h.IsNil() {
			return errors.New(errors.RuntimeError, errors.SourceLocation{}, "attempt to index a %s value", typeNameForErr(v, obj))
		}
		if h.IsFunction() {
			_, err := v.Call(h, []value.Value{obj, key, val})
			return err
		}
		obj = h
	}
	return errors.New(errors.RuntimeError, errors.SourceLocation{}, "'__newindex' chain too long; possible loop")
}

// ---- equality / ordering -----------------------------------------------------

func (v *VM) equals(a, b value.Value) (bool, error) {
	if value.RawEqual(a, b) {
		return true, nil
	}
	sameKind := (a.IsTable() && b.IsTable()) || (a.IsUserdata() && b.IsUserdata())
	if !sameKind {
		return false, nil
	}
	h := v.getmm(a, bytecode.MM_EQ)
	if h.IsNil() {
		h = v.getmm(b, bytecode.MM_EQ)
	}
	if h.IsNil() {
		return false, nil
	}
	res, err := v.Call(h, []value.Value{a, b})
	if err != nil {
		return false, err
	}
	return first(res).Truthy(), nil
}

func (v *VM) less(a, b value.Value) (bool, error) {
	if a.IsNumber() && b.IsNumber() {
		return v.numLess(a, b), nil
	}
	if a.IsString() && b.IsString() {
		return v.stringContent(a) < v.stringContent(b), nil
	}
	h := v.getmm(a, bytecode.MM_LT)
	if h.IsNil() {
		h = v.getmm(b, bytecode.MM_LT)
	}
	if h.IsNil() {
		return false, errors.New(errors.RuntimeError, errors.SourceLocation{}, "attempt to compare two %s values", typeNameForErr(v, a))
	}
	res, err := v.Call(h, []value.Value{a, b})
	if err != nil {
		return false, err
	}
	return first(res).Truthy(), nil
}

func (v *VM) lessEqual(a, b value.Value) (bool, error) {
	if a.IsNumber() && b.IsNumber() {
		return !v.numLess(b, a), nil
	}
	if a.IsString() && b.IsString() {
		return v.stringContent(a) <= v.stringContent(b), nil
	}
	h := v.getmm(a, bytecode.MM_LE)
	if h.IsNil() {
		h = v.getmm(b, bytecode.MM_LE)
	}
	if !h.IsNil() {
		res, err := v.Call(h, []value.Value{a, b})
		if err != nil {
			return false, err
		}
		return first(res).Truthy(), nil
	}
	// __le falling back to `not (b < a)` per spec §4.8.
	lt, err := v.less(b, a)
	if err != nil {
		return false, err
	}
	return !lt, nil
}

func (v *VM) numLess(a, b value.Value) bool {
	if a.IsInt() && b.IsInt() {
		return a.AsInt() < b.AsInt()
	}
	return a.ToFloat() < b.ToFloat()
}

// ---- length / concat / tostring ---------------------------------------------

func (v *VM) length(val value.Value) (value.Value, error) {
	h := v.getmm(val, bytecode.MM_LEN)
	if !h.IsNil() {
		res, err := v.Call(h, []value.Value{val})
		if err != nil {
			return value.Nil, err
		}
		return first(res), nil
	}
	if val.IsTable() {
		return value.Int(int64(v.table(val).Len())), nil
	}
	if val.IsString() {
		return value.Int(int64(len(v.stringContent(val)))), nil
	}
	return value.Nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "attempt to get length of a %s value", typeNameForErr(v, val))
}

// concat2 folds one adjacent pair for OP_CONCAT, coercing numbers and
// strings directly and falling back to __concat otherwise.
func (v *VM) concat2(a, b value.Value) (value.Value, error) {
	if coercibleToString(a) && coercibleToString(b) {
		return v.CreateString(v.rawToString(a) + v.rawToString(b)), nil
	}
	h := v.getmm(a, bytecode.MM_CONCAT)
	if h.IsNil() {
		h = v.getmm(b, bytecode.MM_CONCAT)
	}
	if h.IsNil() {
		bad := a
		if coercibleToString(a) {
			bad = b
		}
		return value.Nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "attempt to concatenate a %s value", typeNameForErr(v, bad))
	}
	res, err := v.Call(h, []value.Value{a, b})
	if err != nil {
		return value.Nil, err
	}
	return first(res), nil
}

func coercibleToString(val value.Value) bool {
	return val.IsString() || val.IsNumber()
}

// rawToString formats a value without consulting __tostring; used for
// concatenation coercion and as tostring's fallback.
func (v *VM) rawToString(val value.Value) string {
	switch val.Tag() {
	case value.TagNil:
		return "nil"
	case value.TagTrue:
		return "true"
	case value.TagFalse:
		return "false"
	case value.TagInt:
		return fmt.Sprintf("%d", val.AsInt())
	case value.TagFloat:
		return formatFloat(val.AsFloat())
	case value.TagString, value.TagBinary:
		return v.stringContent(val)
	case value.TagTable:
		return fmt.Sprintf("table: 0x%08x", val.Handle())
	case value.TagFunction:
		return fmt.Sprintf("function: 0x%08x", val.Handle())
	case value.TagThread:
		return fmt.Sprintf("thread: 0x%08x", val.Handle())
	case value.TagUserdata:
		return fmt.Sprintf("userdata: 0x%08x", val.Handle())
	case value.TagLightUserdata:
		return fmt.Sprintf("userdata: 0x%08x", val.AsLightUserdata())
	default:
		return "?"
	}
}

func formatFloat(f float64) string {
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if f != f {
		return "nan"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%.1f", f)
	}
	return fmt.Sprintf("%.14g", f)
}

// ToString implements tostring()/print(), consulting __tostring and
// __name (spec §4.8).
func (v *VM) ToString(val value.Value) (string, error) {
	h := v.getmm(val, bytecode.MM_TOSTRING)
	if !h.IsNil() {
		res, err := v.Call(h, []value.Value{val})
		if err != nil {
			return "", err
		}
		return v.rawToString(first(res)), nil
	}
	if mt := v.metatableOf(val); mt != nil {
		if name := mt.Get(v.CreateString("__name")); name.IsString() {
			return fmt.Sprintf("%s: 0x%08x", v.stringContent(name), val.Handle()), nil
		}
	}
	return v.rawToString(val), nil
}
