// The string library: byte/UTF-8-oriented primitives built on the
// pattern engine (find/match/gmatch/gsub), plus the plain
// byte-slicing helpers (sub/upper/lower/rep/byte/char) that sit
// alongside them in every Lua distribution, wrapping Go's standard
// library rather than reimplementing byte pushing.
package vm

import (
	"fmt"
	"strings"

	"github.com/CppCXY/lua-rs-sub000/internal/errors"
	"github.com/CppCXY/lua-rs-sub000/internal/pattern"
	"github.com/CppCXY/lua-rs-sub000/internal/table"
	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

func openStringLib(v *VM) {
	libVal := v.CreateTable(0, 16)
	lib := v.table(libVal)
	set := func(name string, fn GoFunc) { lib.Set(v.CreateString(name), v.newGoFunction("string."+name, fn)) }

	set("len", strLen)
	set("sub", strSub)
	set("upper", strUpper)
	set("lower", strLower)
	set("rep", strRep)
	set("reverse", strReverse)
	set("byte", strByte)
	set("char", strChar)
	set("format", strFormat)
	set("find", strFind)
	set("match", strMatch)
	set("gmatch", strGmatch)
	set("gsub", strGsub)

	v.SetGlobal("string", libVal)

	// Every string value shares one metatable so `s:upper()` resolves
	// through __index to the string library (spec §4.8's per-kind
	// metatable rule: "strings share one process-wide metatable").
	v.stringMeta = table.New(v.strHash, 0, 1)
	v.stringMeta.Set(v.CreateString("__index"), libVal)
}

func strLen(v *VM, args []value.Value) ([]value.Value, error) {
	s, err := v.checkString("len", args, 1)
	if err != nil {
		return nil, err
	}
	return []value.Value{value.Int(int64(len(s)))}, nil
}

// strIndex normalises a 1-based, possibly-negative Lua string index
// against a length, per spec §8's `string.sub` boundary rule
// (`len + i + 1` for negatives).
func strIndex(i int64, length int) int {
	if i < 0 {
		i = int64(length) + i + 1
		if i < 0 {
			i = 0
		}
	}
	return int(i)
}

func strSub(v *VM, args []value.Value) ([]value.Value, error) {
	s, err := v.checkString("sub", args, 1)
	if err != nil {
		return nil, err
	}
	i, _ := checkInt("sub", args, 2, 1, true)
	j, _ := checkInt("sub", args, 3, -1, true)
	start := strIndex(i, len(s))
	if start < 1 {
		start = 1
	}
	end := strIndex(j, len(s))
	if end > len(s) {
		end = len(s)
	}
	if start > end {
		return []value.Value{v.CreateString("")}, nil
	}
	return []value.Value{v.CreateString(s[start-1 : end])}, nil
}

func strUpper(v *VM, args []value.Value) ([]value.Value, error) {
	s, err := v.checkString("upper", args, 1)
	if err != nil {
		return nil, err
	}
	return []value.Value{v.CreateString(strings.ToUpper(s))}, nil
}

func strLower(v *VM, args []value.Value) ([]value.Value, error) {
	s, err := v.checkString("lower", args, 1)
	if err != nil {
		return nil, err
	}
	return []value.Value{v.CreateString(strings.ToLower(s))}, nil
}

func strRep(v *VM, args []value.Value) ([]value.Value, error) {
	s, err := v.checkString("rep", args, 1)
	if err != nil {
		return nil, err
	}
	n, err := checkInt("rep", args, 2, 0, false)
	if err != nil {
		return nil, err
	}
	sep := ""
	if len(args) > 2 {
		sep, _ = v.checkString("rep", args, 3)
	}
	if n <= 0 {
		return []value.Value{v.CreateString("")}, nil
	}
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s
	}
	return []value.Value{v.CreateString(strings.Join(parts, sep))}, nil
}

func strReverse(v *VM, args []value.Value) ([]value.Value, error) {
	s, err := v.checkString("reverse", args, 1)
	if err != nil {
		return nil, err
	}
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return []value.Value{v.CreateString(string(b))}, nil
}

func strByte(v *VM, args []value.Value) ([]value.Value, error) {
	s, err := v.checkString("byte", args, 1)
	if err != nil {
		return nil, err
	}
	i, _ := checkInt("byte", args, 2, 1, true)
	j, _ := checkInt("byte", args, 3, i, true)
	start := strIndex(i, len(s))
	end := strIndex(j, len(s))
	if start < 1 {
		start = 1
	}
	if end > len(s) {
		end = len(s)
	}
	if start > end {
		return nil, nil
	}
	out := make([]value.Value, 0, end-start+1)
	for k := start; k <= end; k++ {
		out = append(out, value.Int(int64(s[k-1])))
	}
	return out, nil
}

func strChar(v *VM, args []value.Value) ([]value.Value, error) {
	b := make([]byte, len(args))
	for i := range args {
		n, err := checkInt("char", args, i+1, 0, false)
		if err != nil {
			return nil, err
		}
		b[i] = byte(n)
	}
	return []value.Value{v.CreateString(string(b))}, nil
}

// strFormat implements a subset of string.format sufficient for the
// verbs that matter to language-level programs: %d/%i, %u, %x/%X,
// %f/%g, %s, %q, %%.
func strFormat(v *VM, args []value.Value) ([]value.Value, error) {
	f, err := v.checkString("format", args, 1)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	argi := 1
	for i := 0; i < len(f); i++ {
		c := f[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(f) && strings.ContainsRune("-+ #0123456789.", rune(f[j])) {
			j++
		}
		if j >= len(f) {
			return nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "invalid format string to 'format'")
		}
		verb := f[j]
		spec := "%" + f[i+1:j+1]
		i = j
		if verb == '%' {
			sb.WriteByte('%')
			continue
		}
		a := arg(args, argi)
		argi++
		switch verb {
		case 'd', 'i':
			n, _ := checkInt("format", []value.Value{a}, 1, 0, false)
			fmt.Fprintf(&sb, strings.Replace(spec, string(verb), "d", 1), n)
		case 'u':
			n, _ := checkInt("format", []value.Value{a}, 1, 0, false)
			fmt.Fprintf(&sb, strings.Replace(spec, "u", "d", 1), n)
		case 'x', 'X', 'o':
			n, _ := checkInt("format", []value.Value{a}, 1, 0, false)
			fmt.Fprintf(&sb, spec, n)
		case 'f', 'F', 'g', 'G', 'e', 'E':
			fmt.Fprintf(&sb, spec, a.ToFloat())
		case 's':
			s, serr := v.ToString(a)
			if serr != nil {
				return nil, serr
			}
			fmt.Fprintf(&sb, spec, s)
		case 'q':
			s, serr := v.ToString(a)
			if serr != nil {
				return nil, serr
			}
			fmt.Fprintf(&sb, "%q", s)
		case 'c':
			n, _ := checkInt("format", []value.Value{a}, 1, 0, false)
			sb.WriteByte(byte(n))
		default:
			return nil, errors.New(errors.RuntimeError, errors.SourceLocation{}, "invalid conversion '%%%c' to 'format'", verb)
		}
	}
	return []value.Value{v.CreateString(sb.String())}, nil
}

func capturesToValues(v *VM, s string, caps []pattern.Capture) []value.Value {
	out := make([]value.Value, len(caps))
	for i, c := range caps {
		if c.IsPosition {
			out[i] = value.Int(int64(c.Start + 1))
		} else {
			out[i] = v.CreateString(s[c.Start:c.End])
		}
	}
	return out
}

func strFind(v *VM, args []value.Value) ([]value.Value, error) {
	s, err := v.checkString("find", args, 1)
	if err != nil {
		return nil, err
	}
	p, err := v.checkString("find", args, 2)
	if err != nil {
		return nil, err
	}
	init, _ := checkInt("find", args, 3, 1, true)
	plain := len(args) > 3 && arg(args, 3).Truthy()
	start := strIndex(init, len(s))
	if start < 1 {
		start = 1
	}
	if start > len(s)+1 {
		return []value.Value{value.Nil}, nil
	}
	if plain || !hasPatternMeta(p) {
		idx := strings.Index(s[start-1:], p)
		if idx < 0 {
			return []value.Value{value.Nil}, nil
		}
		from := start - 1 + idx
		return []value.Value{value.Int(int64(from + 1)), value.Int(int64(from + len(p)))}, nil
	}
	mstart, mend, caps, ok := pattern.Match(s, p, start-1)
	if !ok {
		return []value.Value{value.Nil}, nil
	}
	out := []value.Value{value.Int(int64(mstart + 1)), value.Int(int64(mend))}
	if len(caps) > 0 && !(len(caps) == 1 && caps[0].Start == mstart && caps[0].End == mend) {
		out = append(out, capturesToValues(v, s, caps)...)
	}
	return out, nil
}

func hasPatternMeta(p string) bool {
	return strings.ContainsAny(p, "^$*+?.([%-")
}

func strMatch(v *VM, args []value.Value) ([]value.Value, error) {
	s, err := v.checkString("match", args, 1)
	if err != nil {
		return nil, err
	}
	p, err := v.checkString("match", args, 2)
	if err != nil {
		return nil, err
	}
	init, _ := checkInt("match", args, 3, 1, true)
	start := strIndex(init, len(s))
	if start < 1 {
		start = 1
	}
	_, _, caps, ok := pattern.Match(s, p, start-1)
	if !ok {
		return []value.Value{value.Nil}, nil
	}
	return capturesToValues(v, s, caps), nil
}

func strGmatch(v *VM, args []value.Value) ([]value.Value, error) {
	s, err := v.checkString("gmatch", args, 1)
	if err != nil {
		return nil, err
	}
	p, err := v.checkString("gmatch", args, 2)
	if err != nil {
		return nil, err
	}
	pos := 0
	iter := func(v *VM, _ []value.Value) ([]value.Value, error) {
		for pos <= len(s) {
			mstart, mend, caps, ok := pattern.Match(s, p, pos)
			if !ok {
				return nil, nil
			}
			if mend == mstart {
				pos = mend + 1
			} else {
				pos = mend
			}
			return capturesToValues(v, s, caps), nil
		}
		return nil, nil
	}
	return []value.Value{v.newGoFunction("gmatch.iterator", iter)}, nil
}

func strGsub(v *VM, args []value.Value) ([]value.Value, error) {
	s, err := v.checkString("gsub", args, 1)
	if err != nil {
		return nil, err
	}
	p, err := v.checkString("gsub", args, 2)
	if err != nil {
		return nil, err
	}
	repl := arg(args, 2)
	maxN := int64(-1)
	if len(args) > 3 {
		maxN, _ = checkInt("gsub", args, 4, -1, true)
	}

	var sb strings.Builder
	pos, count := 0, int64(0)
	for pos <= len(s) {
		if maxN >= 0 && count >= maxN {
			break
		}
		mstart, mend, caps, ok := pattern.Match(s, p, pos)
		if !ok {
			break
		}
		sb.WriteString(s[pos:mstart])
		whole := s[mstart:mend]
		capVals := capturesToValues(v, s, caps)
		replaced, err := v.gsubReplacement(repl, whole, capVals)
		if err != nil {
			return nil, err
		}
		sb.WriteString(replaced)
		count++
		if mend == mstart {
			if mstart < len(s) {
				sb.WriteByte(s[mstart])
			}
			pos = mend + 1
		} else {
			pos = mend
		}
	}
	if pos < len(s) {
		sb.WriteString(s[pos:])
	}
	return []value.Value{v.CreateString(sb.String()), value.Int(count)}, nil
}

// gsubReplacement implements gsub's three replacement forms: a string
// template (%1.. / %0 backreferences), a table (indexed by the whole
// match or first capture), or a function (called with the captures).
func (v *VM) gsubReplacement(repl value.Value, whole string, caps []value.Value) (string, error) {
	switch {
	case repl.IsString():
		tmpl := v.stringContent(repl)
		var sb strings.Builder
		for i := 0; i < len(tmpl); i++ {
			if tmpl[i] == '%' && i+1 < len(tmpl) {
				d := tmpl[i+1]
				if d == '%' {
					sb.WriteByte('%')
					i++
					continue
				}
				if d == '0' {
					sb.WriteString(whole)
					i++
					continue
				}
				if d >= '1' && d <= '9' {
					idx := int(d - '1')
					if idx < len(caps) {
						sb.WriteString(v.rawToString(caps[idx]))
					}
					i++
					continue
				}
			}
			sb.WriteByte(tmpl[i])
		}
		return sb.String(), nil
	case repl.IsTable():
		key := whole
		lookupKey := v.CreateString(key)
		if len(caps) > 0 {
			lookupKey = caps[0]
		}
		val, err := v.Index(repl, lookupKey)
		if err != nil {
			return "", err
		}
		if val.IsNil() || val.IsFalse() {
			return whole, nil
		}
		return v.rawToString(val), nil
	case repl.IsFunction():
		callArgs := caps
		if len(callArgs) == 0 {
			callArgs = []value.Value{v.CreateString(whole)}
		}
		res, err := v.Call(repl, callArgs)
		if err != nil {
			return "", err
		}
		rv := first(res)
		if rv.IsNil() || rv.IsFalse() {
			return whole, nil
		}
		return v.rawToString(rv), nil
	default:
		return whole, errors.New(errors.RuntimeError, errors.SourceLocation{}, "bad argument #3 to 'gsub' (string/function/table expected)")
	}
}
