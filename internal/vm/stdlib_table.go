// The table library. Per spec §9's documented deviation, every
// function here operates through raw table access (table.Get/Set),
// never through the metamethod-aware Index/NewIndex used by the
// dispatcher's GETTABLE/SETTABLE — `table.insert`/`table.sort`
// against a `__newindex`-proxied table therefore behave differently
// from a reference interpreter, by design.
package vm

import (
	"sort"

	"github.com/CppCXY/lua-rs-sub000/internal/errors"
	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

func openTableLib(v *VM) {
	libVal := v.CreateTable(0, 8)
	lib := v.table(libVal)
	set := func(name string, fn GoFunc) { lib.Set(v.CreateString(name), v.newGoFunction("table."+name, fn)) }

	set("insert", tblInsert)
	set("remove", tblRemove)
	set("concat", tblConcat)
	set("sort", tblSort)
	set("unpack", tblUnpack)
	set("pack", tblPack)

	v.SetGlobal("table", libVal)
	v.SetGlobal("unpack", v.newGoFunction("unpack", tblUnpack))
}

func tblInsert(v *VM, args []value.Value) ([]value.Value, error) {
	tv, err := v.checkTable("insert", args, 1)
	if err != nil {
		return nil, err
	}
	t := v.table(tv)
	n := int64(t.Len())
	switch len(args) {
	case 2:
		t.Set(value.Int(n+1), args[1])
	case 3:
		pos, perr := checkInt("insert", args, 2, 0, false)
		if perr != nil {
			return nil, perr
		}
		if pos < 1 || pos > n+1 {
			return nil, argError("insert", 2, "position out of bounds")
		}
		for i := n + 1; i > pos; i-- {
			t.Set(value.Int(i), t.Get(value.Int(i-1)))
		}
		t.Set(value.Int(pos), args[2])
	default:
		return nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "wrong number of arguments to 'insert'")
	}
	return nil, nil
}

func tblRemove(v *VM, args []value.Value) ([]value.Value, error) {
	tv, err := v.checkTable("remove", args, 1)
	if err != nil {
		return nil, err
	}
	t := v.table(tv)
	n := int64(t.Len())
	pos := n
	if len(args) > 1 {
		pos, err = checkInt("remove", args, 2, n, true)
		if err != nil {
			return nil, err
		}
	}
	if n == 0 {
		return []value.Value{value.Nil}, nil
	}
	if pos < 1 || pos > n+1 {
		return nil, argError("remove", 2, "position out of bounds")
	}
	removed := t.Get(value.Int(pos))
	for i := pos; i < n; i++ {
		t.Set(value.Int(i), t.Get(value.Int(i+1)))
	}
	t.Set(value.Int(n), value.Nil)
	return []value.Value{removed}, nil
}

func tblConcat(v *VM, args []value.Value) ([]value.Value, error) {
	tv, err := v.checkTable("concat", args, 1)
	if err != nil {
		return nil, err
	}
	t := v.table(tv)
	sep := ""
	if len(args) > 1 && args[1].IsString() {
		sep = v.stringContent(args[1])
	}
	i, _ := checkInt("concat", args, 3, 1, true)
	j, _ := checkInt("concat", args, 4, int64(t.Len()), true)
	var sb []byte
	for k := i; k <= j; k++ {
		val := t.Get(value.Int(k))
		if !val.IsString() && !val.IsNumber() {
			return nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "invalid value (at index %d) in table for 'concat'", k)
		}
		if k > i {
			sb = append(sb, sep...)
		}
		sb = append(sb, v.rawToString(val)...)
	}
	return []value.Value{v.CreateString(string(sb))}, nil
}

// tblSort implements table.sort, calling back into Lua for a custom
// comparator when one is supplied (spec §6: "call-back into Lua... for
// functions like table.sort's comparator").
func tblSort(v *VM, args []value.Value) ([]value.Value, error) {
	tv, err := v.checkTable("sort", args, 1)
	if err != nil {
		return nil, err
	}
	t := v.table(tv)
	n := t.Len()
	items := make([]value.Value, n)
	for i := 0; i < n; i++ {
		items[i] = t.Get(value.Int(int64(i + 1)))
	}
	var cmp value.Value
	if len(args) > 1 && !args[1].IsNil() {
		cmp = args[1]
	}
	var sortErr error
	sort.SliceStable(items, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		if cmp.IsNil() {
			less, lerr := v.less(items[i], items[j])
			if lerr != nil {
				sortErr = lerr
			}
			return less
		}
		res, cerr := v.Call(cmp, []value.Value{items[i], items[j]})
		if cerr != nil {
			sortErr = cerr
			return false
		}
		return first(res).Truthy()
	})
	if sortErr != nil {
		return nil, sortErr
	}
	for i, val := range items {
		t.Set(value.Int(int64(i+1)), val)
	}
	return nil, nil
}

func tblUnpack(v *VM, args []value.Value) ([]value.Value, error) {
	tv, err := v.checkTable("unpack", args, 1)
	if err != nil {
		return nil, err
	}
	t := v.table(tv)
	i, _ := checkInt("unpack", args, 2, 1, true)
	j, _ := checkInt("unpack", args, 3, int64(t.Len()), true)
	if i > j {
		return nil, nil
	}
	out := make([]value.Value, 0, j-i+1)
	for k := i; k <= j; k++ {
		out = append(out, t.Get(value.Int(k)))
	}
	return out, nil
}

func tblPack(v *VM, args []value.Value) ([]value.Value, error) {
	tv := v.CreateTable(len(args), 1)
	t := v.table(tv)
	for i, a := range args {
		t.Set(value.Int(int64(i+1)), a)
	}
	t.Set(v.CreateString("n"), value.Int(int64(len(args))))
	return []value.Value{tv}, nil
}
