package table

import (
	"testing"

	"github.com/CppCXY/lua-rs-sub000/internal/value"
)

func noStringHash(uint32) uint64 { return 0 }

func TestArrayPartSequentialInsertStaysDense(t *testing.T) {
	tb := New(noStringHash, 0, 0)
	tb.Set(value.Int(1), value.Int(10))
	tb.Set(value.Int(2), value.Int(20))
	tb.Set(value.Int(3), value.Int(30))
	if got := tb.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	if got := tb.GetInt(2); got.AsInt() != 20 {
		t.Errorf("GetInt(2) = %v, want 20", got)
	}
}

func TestLenIsArrayPartSizeNotABorderSearch(t *testing.T) {
	tb := New(noStringHash, 0, 0)
	tb.Set(value.Int(1), value.Int(1))
	tb.Set(value.Int(2), value.Int(2))
	tb.Set(value.Int(3), value.Int(3))
	// A hole punched after the sequence, then a disconnected key far
	// beyond it, must not change the deterministic array-part length.
	tb.Set(value.Int(5), value.Int(5))
	if got := tb.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3 (array part only, hash-part key 5 excluded)", got)
	}
}

func TestSetNilDeletesAndShrinksTrailingArray(t *testing.T) {
	tb := New(noStringHash, 0, 0)
	tb.Set(value.Int(1), value.Int(1))
	tb.Set(value.Int(2), value.Int(2))
	tb.Set(value.Int(3), value.Int(3))
	tb.Set(value.Int(3), value.Nil)
	if got := tb.Len(); got != 2 {
		t.Errorf("Len() after deleting the trailing element = %d, want 2", got)
	}
	if got := tb.GetInt(3); !got.IsNil() {
		t.Errorf("GetInt(3) after delete = %v, want nil", got)
	}
}

// TestSetNilMidArrayMigratesTailAndLeavesNoHole checks that clearing a
// non-trailing array index never leaves a live hole in [1..n_array]:
// the tail must be migrated into the hash part (still reachable by
// key) rather than left in place as a nil the array part still claims
// to hold.
func TestSetNilMidArrayMigratesTailAndLeavesNoHole(t *testing.T) {
	tb := New(noStringHash, 0, 0)
	tb.Set(value.Int(1), value.Int(1))
	tb.Set(value.Int(2), value.Int(2))
	tb.Set(value.Int(3), value.Int(3))

	tb.Set(value.Int(2), value.Nil)

	if got := tb.Len(); got != 1 {
		t.Errorf("Len() after clearing a mid-array index = %d, want 1 (array truncated to the dense prefix before the hole)", got)
	}
	if got := tb.GetInt(1); got.AsInt() != 1 {
		t.Errorf("GetInt(1) = %v, want 1 (untouched)", got)
	}
	if got := tb.GetInt(2); !got.IsNil() {
		t.Errorf("GetInt(2) after clearing it = %v, want nil", got)
	}
	// Position 3's value must survive, just no longer counted by Len()
	// since it sits past the now-cleared position 2.
	if got := tb.GetInt(3); got.AsInt() != 3 {
		t.Errorf("GetInt(3) after clearing position 2 = %v, want 3 (migrated into the hash part, not lost)", got)
	}

	seen := map[int64]int64{}
	k := value.Nil
	for {
		nk, nv, ok := tb.Next(k)
		if !ok {
			break
		}
		if nk.IsInt() {
			seen[nk.AsInt()] = nv.AsInt()
		}
		k = nk
	}
	if v, ok := seen[1]; !ok || v != 1 {
		t.Errorf("Next() iteration missed key 1, got %v", seen)
	}
	if v, ok := seen[3]; !ok || v != 3 {
		t.Errorf("Next() iteration missed migrated key 3, got %v", seen)
	}
	if _, ok := seen[2]; ok {
		t.Errorf("Next() iteration must never yield the cleared key 2, got %v", seen)
	}
}

func TestHashPartRoundTrip(t *testing.T) {
	tb := New(noStringHash, 0, 0)
	key := value.TableHandle(99) // any non-string, non-sequential-int key
	tb.Set(key, value.Int(7))
	if got := tb.Get(key); got.AsInt() != 7 {
		t.Errorf("Get(key) = %v, want 7", got)
	}
	tb.Set(key, value.Nil)
	if got := tb.Get(key); !got.IsNil() {
		t.Errorf("Get(key) after delete = %v, want nil", got)
	}
}

func TestIntegerValuedFloatKeyAliasesIntegerKey(t *testing.T) {
	tb := New(noStringHash, 0, 0)
	tb.Set(value.Int(1), value.Int(100))
	if got := tb.Get(value.Float(1.0)); got.AsInt() != 100 {
		t.Errorf("Get(1.0) = %v, want the value stored under integer key 1", got)
	}
}

func TestNilAndNaNKeysAreRejected(t *testing.T) {
	tb := New(noStringHash, 0, 0)
	before := tb.Len()
	tb.Set(value.Nil, value.Int(1))
	if tb.Len() != before {
		t.Error("setting a nil key must be a no-op")
	}
	nan := value.Float(nanFloat())
	tb.Set(nan, value.Int(1))
	if got := tb.Get(nan); !got.IsNil() {
		t.Error("setting a NaN key must be a no-op")
	}
}

func nanFloat() float64 {
	var zero float64
	return zero / zero
}

func TestNextIteratesArrayThenHash(t *testing.T) {
	tb := New(noStringHash, 0, 0)
	tb.Set(value.Int(1), value.Int(10))
	tb.Set(value.Int(2), value.Int(20))
	hashKey := value.TableHandle(1)
	tb.Set(hashKey, value.Int(99))

	k, v, ok := tb.Next(value.Nil)
	if !ok || k.AsInt() != 1 || v.AsInt() != 10 {
		t.Fatalf("first Next = (%v, %v, %v), want (1, 10, true)", k, v, ok)
	}
	k, v, ok = tb.Next(k)
	if !ok || k.AsInt() != 2 || v.AsInt() != 20 {
		t.Fatalf("second Next = (%v, %v, %v), want (2, 20, true)", k, v, ok)
	}
	k, v, ok = tb.Next(k)
	if !ok {
		t.Fatalf("third Next should reach the hash part entry, got ok=false")
	}
	if v.AsInt() != 99 {
		t.Errorf("third Next value = %v, want 99", v)
	}
	_, _, ok = tb.Next(k)
	if ok {
		t.Error("Next past the last entry should return ok=false")
	}
}

func TestEachRawVisitsEveryLiveEntry(t *testing.T) {
	tb := New(noStringHash, 0, 0)
	tb.Set(value.Int(1), value.Int(1))
	tb.Set(value.Int(2), value.Int(2))
	tb.Set(value.TableHandle(5), value.Int(55))

	seen := 0
	tb.EachRaw(func(k, v value.Value) { seen++ })
	if seen != 3 {
		t.Errorf("EachRaw visited %d entries, want 3", seen)
	}
}

func TestFieldCacheHitsReturnSameValueAsUncachedGet(t *testing.T) {
	tb := New(noStringHash, 0, 0)
	key := value.TableHandle(42)
	tb.Set(key, value.Int(7))

	var cache FieldCache
	first := tb.GetCached(key, &cache)
	if first.AsInt() != 7 {
		t.Fatalf("GetCached first call = %v, want 7", first)
	}
	// Second call should hit the cache slot populated by the first.
	second := tb.GetCached(key, &cache)
	if second.AsInt() != 7 {
		t.Fatalf("GetCached cached call = %v, want 7", second)
	}
}

func TestFieldCacheInvalidatesOnDifferentTable(t *testing.T) {
	tb1 := New(noStringHash, 0, 0)
	tb2 := New(noStringHash, 0, 0)
	key := value.TableHandle(1)
	tb1.Set(key, value.Int(1))
	tb2.Set(key, value.Int(2))

	var cache FieldCache
	if got := tb1.GetCached(key, &cache); got.AsInt() != 1 {
		t.Fatalf("GetCached(tb1) = %v, want 1", got)
	}
	if got := tb2.GetCached(key, &cache); got.AsInt() != 2 {
		t.Fatalf("GetCached(tb2) after switching tables = %v, want 2 (stale cache slot must not leak across tables)", got)
	}
}

func TestSetCachedUpdatesExistingKeyOnly(t *testing.T) {
	tb := New(noStringHash, 0, 0)
	key := value.TableHandle(1)
	tb.Set(key, value.Int(1))

	var cache FieldCache
	tb.GetCached(key, &cache) // populate the cache slot
	if ok := tb.SetCached(key, value.Int(2), &cache); !ok {
		t.Fatal("SetCached on a cached, existing key should succeed")
	}
	if got := tb.Get(key); got.AsInt() != 2 {
		t.Errorf("Get(key) after SetCached = %v, want 2", got)
	}

	var freshCache FieldCache
	newKey := value.TableHandle(2)
	if ok := tb.SetCached(newKey, value.Int(3), &freshCache); ok {
		t.Error("SetCached must decline a key it has never cached (a brand new key)")
	}
}
