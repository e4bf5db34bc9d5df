package slug

import (
	"math/rand/v2"
	"strings"
	"testing"
)

func TestNextShape(t *testing.T) {
	g := NewWithSource(rand.New(rand.NewPCG(1, 2)))
	for i := 0; i < 200; i++ {
		s := g.Next()
		if !Valid(s) {
			t.Fatalf("slug %q is not a valid label", s)
		}
		if parts := strings.Split(s, "-"); len(parts) != 3 {
			t.Fatalf("slug %q: expected three words, got %d", s, len(parts))
		}
	}
}

func TestWordListsAreLabelSafe(t *testing.T) {
	for _, list := range [][]string{adjectives, nouns} {
		if len(list) < 50 {
			t.Fatalf("word list too small: %d", len(list))
		}
		for _, w := range list {
			if !Valid(w) || strings.Contains(w, "-") {
				t.Fatalf("word %q cannot be used in a label", w)
			}
		}
	}
}

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"brave-otter-river": true,
		"abc123":            true,
		"Brave-otter":       false,
		"-leading":          false,
		"trailing-":         false,
		"":                  false,
		"has space":         false,
	}
	for in, want := range cases {
		if got := Valid(in); got != want {
			t.Errorf("Valid(%q) = %v, want %v", in, got, want)
		}
	}
}
