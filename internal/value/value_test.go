package value

import "testing"

func TestTagRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		tag  Tag
	}{
		{"nil", Nil, TagNil},
		{"true", True, TagTrue},
		{"false", False, TagFalse},
		{"int", Int(42), TagInt},
		{"float", Float(3.5), TagFloat},
		{"table handle", TableHandle(7), TagTable},
		{"function handle", FunctionHandle(3), TagFunction},
		{"userdata handle", UserdataHandle(9), TagUserdata},
		{"thread handle", ThreadHandle(1), TagThread},
		{"string handle", StringHandle(5), TagString},
		{"binary handle", BinaryHandle(5), TagBinary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Tag(); got != tt.tag {
				t.Errorf("Tag() = %v, want %v", got, tt.tag)
			}
		})
	}
}

func TestHandleRoundTrip(t *testing.T) {
	for _, h := range []uint32{0, 1, 255, 1 << 20} {
		v := TableHandle(h)
		if got := v.Handle(); got != h {
			t.Errorf("Handle() = %d, want %d", got, h)
		}
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		want bool
	}{
		{"nil is false", Nil, false},
		{"false is false", False, false},
		{"true is true", True, true},
		{"zero int is true", Int(0), true},
		{"empty table handle is true", TableHandle(0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Truthy(); got != tt.want {
				t.Errorf("Truthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRawEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"equal ints", Int(5), Int(5), true},
		{"different ints", Int(5), Int(6), false},
		{"int and equal float compare equal", Int(5), Float(5.0), true},
		{"int and unequal float", Int(5), Float(5.5), false},
		{"same table handle", TableHandle(3), TableHandle(3), true},
		{"different table handles", TableHandle(3), TableHandle(4), false},
		{"table handle never equals function handle with same number", TableHandle(3), FunctionHandle(3), false},
		{"nil equals nil", Nil, Nil, true},
		{"nil does not equal false", Nil, False, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RawEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("RawEqual(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestStringInterningDedupes(t *testing.T) {
	s := NewStrings()
	a := s.Intern([]byte("hello"), false)
	b := s.Intern([]byte("hello"), false)
	if a != b {
		t.Errorf("interning equal content twice gave different handles: %d vs %d", a, b)
	}
	c := s.Intern([]byte("world"), false)
	if c == a {
		t.Errorf("interning different content gave the same handle")
	}
}

func TestStringReleaseAllowsReuseOfDistinctHandle(t *testing.T) {
	s := NewStrings()
	h := s.Intern([]byte("transient"), false)
	s.Release(h)
	if got := s.Get(h); got != nil {
		t.Errorf("expected Get after Release to return nil, got %+v", got)
	}
	// Re-interning the same content must not silently resurrect the
	// stale handle's bookkeeping; it gets a fresh (possibly reused) slot.
	h2 := s.Intern([]byte("transient"), false)
	if s.Get(h2) == nil {
		t.Errorf("expected re-interned string to be retrievable")
	}
}

func TestPoolAllocFreeReuse(t *testing.T) {
	p := NewPool(0)
	obj1 := &fakeObject{}
	h1, ok := p.Alloc(obj1, 16)
	if !ok {
		t.Fatal("alloc failed with no limit set")
	}
	p.Free(h1)
	obj2 := &fakeObject{}
	h2, ok := p.Alloc(obj2, 16)
	if !ok {
		t.Fatal("second alloc failed")
	}
	if h2 != h1 {
		t.Errorf("expected freed slot %d to be reused, got %d", h1, h2)
	}
}

func TestPoolEnforcesLimit(t *testing.T) {
	p := NewPool(10)
	_, ok := p.Alloc(&fakeObject{}, 5)
	if !ok {
		t.Fatal("first alloc under the limit should succeed")
	}
	_, ok = p.Alloc(&fakeObject{}, 10)
	if ok {
		t.Error("alloc exceeding the byte limit should fail")
	}
}

type fakeObject struct {
	h Header
}

func (f *fakeObject) GCHeader() *Header { return &f.h }
