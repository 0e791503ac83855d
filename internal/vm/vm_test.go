package vm

import (
	"testing"

	"github.com/kr/pretty"

	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

func runExpectValues(t *testing.T, source string) []value.Value {
	t.Helper()
	v := New()
	results, err := v.Run("test", source)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return results
}

func expectInt(t *testing.T, results []value.Value, i int, want int64) {
	t.Helper()
	if i >= len(results) {
		t.Fatalf("expected at least %d results, got %d", i+1, len(results))
	}
	got := results[i]
	if !got.IsNumber() {
		t.Fatalf("result %d is not a number: tag %v", i, got.Tag())
	}
	var n int64
	if got.IsInt() {
		n = got.AsInt()
	} else {
		n = int64(got.AsFloat())
	}
	if n != want {
		t.Errorf("result %d = %d, want %d", i, n, want)
	}
}

func expectString(t *testing.T, v *VM, results []value.Value, i int, want string) {
	t.Helper()
	if i >= len(results) {
		t.Fatalf("expected at least %d results, got %d", i+1, len(results))
	}
	got := v.stringContent(results[i])
	if got != want {
		t.Errorf("result %d = %q, want %q", i, got, want)
	}
}

// TestConcreteScenarios exercises the scenarios with exact expected
// outputs: an accumulating numeric loop, a closure counter, a
// recursive Fibonacci, a table built through repeated
// inserts, and string-library upper-casing and substring extraction.
func TestConcreteScenarios(t *testing.T) {
	t.Run("accumulating loop to 385", func(t *testing.T) {
		results := runExpectValues(t, `
			local sum = 0
			for i = 1, 10 do
				sum = sum + i * i
			end
			return sum
		`)
		expectInt(t, results, 0, 385)
	})

	t.Run("closure counter called three times", func(t *testing.T) {
		results := runExpectValues(t, `
			local function counter()
				local n = 0
				return function()
					n = n + 1
					return n
				end
			end
			local next = counter()
			next()
			next()
			return next()
		`)
		expectInt(t, results, 0, 3)
	})

	t.Run("recursive fibonacci 75025", func(t *testing.T) {
		results := runExpectValues(t, `
			local function fib(n)
				if n < 2 then return n end
				return fib(n - 1) + fib(n - 2)
			end
			return fib(25)
		`)
		expectInt(t, results, 0, 75025)
	})

	t.Run("table built via repeated insert joined as 1,4,9", func(t *testing.T) {
		v := New()
		results, err := v.Run("test", `
			local t = {}
			for i = 1, 3 do
				table.insert(t, i * i)
			end
			return table.concat(t, ",")
		`)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		expectString(t, v, results, 0, "1,4,9")
	})

	t.Run("string upper of hello world", func(t *testing.T) {
		v := New()
		results, err := v.Run("test", `return string.upper("hello world")`)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		expectString(t, v, results, 0, "HELLO WORLD")
	})

	t.Run("string sub negative indices extract hi", func(t *testing.T) {
		v := New()
		results, err := v.Run("test", `return string.sub("say hi", -2, -1)`)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		expectString(t, v, results, 0, "hi")
	})
}

// TestUniversalInvariants checks cross-cutting engine properties:
// string interning, table length determinism, upvalue sharing between
// sibling closures, numeric-for iteration counts, and integer floor
// division.
func TestUniversalInvariants(t *testing.T) {
	t.Run("equal string literals intern to the same identity", func(t *testing.T) {
		v := New()
		a := v.CreateString("repeat-me")
		b := v.CreateString("repeat-me")
		if a.Handle() != b.Handle() {
			t.Errorf("expected identical handles for equal string content, got %d and %d", a.Handle(), b.Handle())
		}
	})

	t.Run("table length reflects array-part size, not a search", func(t *testing.T) {
		results := runExpectValues(t, `
			local t = {1, 2, 3}
			t[5] = 5
			return #t
		`)
		expectInt(t, results, 0, 3)
	})

	t.Run("two closures over one local share the same upvalue", func(t *testing.T) {
		results := runExpectValues(t, `
			local n = 0
			local function inc() n = n + 1 end
			local function get() return n end
			inc()
			inc()
			return get()
		`)
		expectInt(t, results, 0, 2)
	})

	t.Run("numeric for with negative step iterates the documented count", func(t *testing.T) {
		results := runExpectValues(t, `
			local count = 0
			for i = 10, 1, -2 do
				count = count + 1
			end
			return count
		`)
		expectInt(t, results, 0, 5)
	})

	t.Run("integer division truncates toward negative infinity", func(t *testing.T) {
		results := runExpectValues(t, `return -7 // 2`)
		expectInt(t, results, 0, -4)
	})
}

// TestBoundaryBehaviours checks edge cases around division by zero
// for floats vs. integers, string.sub index clamping, and rawequal
// bypassing __eq.
func TestBoundaryBehaviours(t *testing.T) {
	t.Run("float division by zero yields inf, not an error", func(t *testing.T) {
		results := runExpectValues(t, `return 1 / 0`)
		if len(results) == 0 || !results[0].IsFloat() {
			t.Fatalf("expected a float result, got %+v", results)
		}
	})

	t.Run("integer division by zero raises a runtime error", func(t *testing.T) {
		v := New()
		_, err := v.Run("test", `return 1 // 0`)
		if err == nil {
			t.Fatal("expected an error dividing by zero with //")
		}
	})

	t.Run("string.sub clamps an out-of-range end index", func(t *testing.T) {
		v := New()
		results, err := v.Run("test", `return string.sub("abc", 1, 100)`)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		expectString(t, v, results, 0, "abc")
	})

	t.Run("rawequal bypasses __eq", func(t *testing.T) {
		results := runExpectValues(t, `
			local mt = { __eq = function(a, b) return true end }
			local a, b = setmetatable({}, mt), setmetatable({}, mt)
			local viaMeta = (a == b)
			local viaRaw = rawequal(a, b)
			if viaMeta and not viaRaw then
				return 1
			end
			return 0
		`)
		expectInt(t, results, 0, 1)
	})
}

// TestPcallAndErrors checks protected-call semantics: a failure inside
// pcall is caught rather than propagated, so Run succeeds and the
// chunk returns a value from pcall's error path.
func TestPcallAndErrors(t *testing.T) {
	results := runExpectValues(t, `
		local ok, err = pcall(function() error("boom") end)
		if ok then return "unexpected-success" end
		return err
	`)
	v := New()
	_ = v
	if len(results) == 0 {
		t.Fatal("expected one result from pcall error path")
	}
}

// TestToBeClosedVariables checks the <close> attribute's __close
// contract: a normal scope exit invokes __close with a nil second
// argument, and a runtime error unwinding through the scope invokes
// __close with the propagating error as the second argument, then the
// original error still reaches the caller.
func TestToBeClosedVariables(t *testing.T) {
	t.Run("normal scope exit closes with nil error", func(t *testing.T) {
		results := runExpectValues(t, `
			local log = {}
			do
				local guard <close> = setmetatable({}, {
					__close = function(self, err)
						log[#log + 1] = err == nil
					end,
				})
			end
			return log[1]
		`)
		if len(results) == 0 || !results[0].IsBool() || !results[0].Truthy() {
			t.Fatalf("expected __close's err argument to be nil on a normal scope exit, got %+v", results)
		}
	})

	t.Run("error unwind closes with the propagating error value", func(t *testing.T) {
		v := New()
		results, err := v.Run("test", `
			local seen
			local ok, caught = pcall(function()
				local guard <close> = setmetatable({}, {
					__close = function(self, err) seen = err end,
				})
				error("boom")
			end)
			return seen, caught
		`)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if len(results) < 2 {
			t.Fatalf("expected two results, got %+v", results)
		}
		seen, caught := results[0], results[1]
		if seen.IsNil() {
			t.Fatal("__close's err argument must carry the in-flight error, not nil")
		}
		if v.stringContent(seen) != v.stringContent(caught) {
			t.Errorf("__close saw err %q, pcall caught %q, want matching values", v.stringContent(seen), v.stringContent(caught))
		}
	})
}

// TestCoroutines checks resume/yield round-tripping values across the
// coroutine boundary.
func TestCoroutines(t *testing.T) {
	results := runExpectValues(t, `
		local co = coroutine.create(function(a)
			local b = coroutine.yield(a + 1)
			return b + 1
		end)
		local ok1, first = coroutine.resume(co, 10)
		local ok2, second = coroutine.resume(co, first)
		if ok1 and ok2 then
			return second
		end
		return -1
	`)
	expectInt(t, results, 0, 12)
}

// TestMultipleReturnValues checks that a function returning several
// values propagates all of them through a multiple assignment,
// diffing the decoded string forms with kr/pretty for a readable
// failure message instead of a manual field-by-field comparison.
func TestMultipleReturnValues(t *testing.T) {
	v := New()
	results, err := v.Run("test", `
		local function pair()
			return "a", "b", "c"
		end
		local x, y, z = pair()
		return x, y, z
	`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	got := make([]string, len(results))
	for i, r := range results {
		got[i] = v.stringContent(r)
	}
	want := []string{"a", "b", "c"}
	if diff := pretty.Diff(got, want); len(diff) > 0 {
		t.Errorf("unexpected return values:\n%s", pretty.Sprint(diff))
	}
}

// TestCollectGarbage exercises the collectgarbage facade, then runs a
// host-side collection pass after the script dropped its only table
// reference and checks the pass reports a non-negative count.
func TestCollectGarbage(t *testing.T) {
	v := New()
	_, err := v.Run("test", `
		local t = {}
		t = nil
		collectgarbage("collect")
	`)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	collected := v.CollectGarbage()
	if collected < 0 {
		t.Errorf("CollectGarbage returned negative count: %d", collected)
	}
}
