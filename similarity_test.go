package main

import (
	"testing"
)

func mustHash(t *testing.T, s string) HashID {
	t.Helper()
	h, err := ParseHashID(s)
	if err != nil {
		t.Fatalf("bad test hash %q: %v", s, err)
	}
	return h
}

func TestSimilarity(t *testing.T) {
	base := "0123456789abcdefabcdefabcdef0123456789ab"

	tests := []struct {
		name  string
		other string
		want  float64
	}{
		{"identical", base, 1},
		// positions 10..34 are outside the window
		{"differs only in the middle", "0123456789ffffffffffffffffffffffff6789ab", 1},
		{"one head char differs", "f123456789abcdefabcdefabcdef0123456789ab", 14.0 / 15},
		{"one tail char differs", "0123456789abcdefabcdefabcdef0123456789af", 14.0 / 15},
		{"everything differs", "fedcba9876543210fedcba9876543210fedcba98", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := similarity(mustHash(t, base), mustHash(t, tt.other))
			if got != tt.want {
				t.Errorf("similarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSimilarity_Symmetric(t *testing.T) {
	a := mustHash(t, "0123456789abcdefabcdefabcdef0123456789ab")
	b := mustHash(t, "0123456780abcdefabcdefabcdef0123456789aa")
	if similarity(a, b) != similarity(b, a) {
		t.Error("similarity must be symmetric")
	}
}

func TestResolver_Resolve(t *testing.T) {
	r := resolver{threshold: defaultSimilarityRatio}
	first := mustHash(t, "0123456789aaaaaaaaaaaaaaaaaaaaaaaaa6789a")
	second := mustHash(t, "0123456789bbbbbbbbbbbbbbbbbbbbbbbbb6789a")
	unrelated := mustHash(t, "ffffffffff0000000000000000000000000fffff")

	t.Run("no records", func(t *testing.T) {
		got, alias := r.resolve(first, nil)
		if alias || got != first {
			t.Errorf("resolve = %s, %v; want itself", got, alias)
		}
	})

	t.Run("exact match wins over similar", func(t *testing.T) {
		got, alias := r.resolve(second, []HashID{first, second})
		if alias || got != second {
			t.Errorf("resolve = %s, %v; want exact %s", got, alias, second)
		}
	})

	t.Run("near duplicate maps to existing", func(t *testing.T) {
		got, alias := r.resolve(second, []HashID{unrelated, first})
		if !alias || got != first {
			t.Errorf("resolve = %s, %v; want alias of %s", got, alias, first)
		}
	})

	t.Run("ties go to earliest created", func(t *testing.T) {
		candidate := mustHash(t, "0123456789ccccccccccccccccccccccccc6789a")
		got, alias := r.resolve(candidate, []HashID{first, second})
		if !alias || got != first {
			t.Errorf("resolve = %s, %v; want earliest %s", got, alias, first)
		}
	})

	t.Run("higher score beats earlier record", func(t *testing.T) {
		r := resolver{threshold: 0.9}
		// 14/15 against first, 15/15 against second
		candidate := mustHash(t, "0123456789ddddddddddddddddddddddddd6789b")
		close1 := mustHash(t, "0123456789aaaaaaaaaaaaaaaaaaaaaaaaa6789a")
		close2 := mustHash(t, "0123456789bbbbbbbbbbbbbbbbbbbbbbbbb6789b")
		got, alias := r.resolve(candidate, []HashID{close1, close2})
		if !alias || got != close2 {
			t.Errorf("resolve = %s, %v; want best %s", got, alias, close2)
		}
	})

	t.Run("below threshold stays distinct", func(t *testing.T) {
		candidate := mustHash(t, "f123456789aaaaaaaaaaaaaaaaaaaaaaaaa6789a")
		got, alias := r.resolve(candidate, []HashID{first})
		if alias || got != candidate {
			t.Errorf("resolve = %s, %v; want distinct", got, alias)
		}
	})
}
