package pattern

import "testing"

func TestMatchLiteral(t *testing.T) {
	start, end, caps, ok := Match("hello world", "world", 0)
	if !ok {
		t.Fatal("expected a match")
	}
	if start != 6 || end != 11 {
		t.Errorf("match span = [%d,%d), want [6,11)", start, end)
	}
	// The whole match is the sole implicit capture when the pattern
	// defines none of its own.
	if len(caps) != 1 {
		t.Errorf("got %d captures, want 1 (the implicit whole match)", len(caps))
	}
}

func TestMatchAnchoredAtStart(t *testing.T) {
	_, _, _, ok := Match("hello", "^ello", 0)
	if ok {
		t.Error("^ello must not match starting at 'hello'[0]")
	}
	_, _, _, ok = Match("hello", "^hello", 0)
	if !ok {
		t.Error("^hello should match 'hello' from the start")
	}
}

func TestCharacterClasses(t *testing.T) {
	tests := []struct {
		name    string
		s, p    string
		wantOK  bool
	}{
		{"digits", "abc123", "%d+", true},
		{"no digits present", "abcxyz", "%d+", false},
		{"word boundary style alpha run", "abc123", "%a+", true},
		{"whitespace class", "a b", "%s", true},
		{"negated class excludes digits", "abc", "[^%d]+", true},
		{"explicit set", "cat", "[abc]at", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, ok := Match(tt.s, tt.p, 0)
			if ok != tt.wantOK {
				t.Errorf("Match(%q, %q) ok = %v, want %v", tt.s, tt.p, ok, tt.wantOK)
			}
		})
	}
}

func TestCaptures(t *testing.T) {
	_, _, caps, ok := Match("key=value", "(%a+)=(%a+)", 0)
	if !ok {
		t.Fatal("expected a match")
	}
	if len(caps) != 2 {
		t.Fatalf("got %d captures, want 2", len(caps))
	}
	if got := "key=value"[caps[0].Start:caps[0].End]; got != "key" {
		t.Errorf("capture 1 = %q, want %q", got, "key")
	}
	if got := "key=value"[caps[1].Start:caps[1].End]; got != "value" {
		t.Errorf("capture 2 = %q, want %q", got, "value")
	}
}

func TestPositionCapture(t *testing.T) {
	_, _, caps, ok := Match("abc", "a()b", 0)
	if !ok {
		t.Fatal("expected a match")
	}
	if len(caps) != 1 || !caps[0].IsPosition {
		t.Fatalf("expected a single position capture, got %+v", caps)
	}
}

func TestBalancedMatch(t *testing.T) {
	start, end, _, ok := Match("(foo(bar)baz)", "%b()", 0)
	if !ok {
		t.Fatalf("expected %%b() to match a balanced parenthesised group")
	}
	if start != 0 || end != 13 {
		t.Errorf("balanced match span = [%d,%d), want [0,13)", start, end)
	}
}

func TestFrontierPattern(t *testing.T) {
	// %f[%d] matches the transition into a run of digits.
	start, _, _, ok := Match("abc123", "%f[%d]", 0)
	if !ok {
		t.Fatalf("expected %%f[%%d] to match the digit-run frontier")
	}
	if start != 3 {
		t.Errorf("frontier match start = %d, want 3", start)
	}
}

func TestQuantifiers(t *testing.T) {
	tests := []struct {
		name   string
		s, p   string
		wantOK bool
		start  int
		end    int
	}{
		{"star is greedy", "aaa", "a*", true, 0, 3},
		{"plus requires at least one", "", "a+", false, 0, 0},
		{"optional matches zero", "b", "a?b", true, 0, 1},
		{"minimal expansion without its terminator fails", "aaa", "a-b", false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, _, ok := Match(tt.s, tt.p, 0)
			if ok != tt.wantOK {
				t.Fatalf("Match(%q, %q) ok = %v, want %v", tt.s, tt.p, ok, tt.wantOK)
			}
			if ok && (start != tt.start || end != tt.end) {
				t.Errorf("Match(%q, %q) span = [%d,%d), want [%d,%d)", tt.s, tt.p, start, end, tt.start, tt.end)
			}
		})
	}
}

func TestNoMatchReturnsFalse(t *testing.T) {
	_, _, _, ok := Match("abc", "xyz", 0)
	if ok {
		t.Error("expected no match for a pattern absent from the subject")
	}
}
