// Package slug generates human-readable subdomain labels such as "brave-otter-river".
package slug

import (
	_ "embed"
	"math/rand/v2"
	"regexp"
	"strings"
)

var (
	//go:embed adjectives.txt
	adjectiveList string
	//go:embed nouns.txt
	nounList string

	adjectives = words(adjectiveList)
	nouns      = words(nounList)

	pattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
)

func words(list string) []string {
	return strings.Fields(list)
}

// Generator produces adjective-noun-noun slugs.
type Generator struct {
	intn func(n int) int
}

// New returns a Generator backed by the global random source.
func New() *Generator {
	return &Generator{intn: rand.IntN}
}

// NewWithSource returns a Generator drawing indices from r.
func NewWithSource(r *rand.Rand) *Generator {
	return &Generator{intn: r.IntN}
}

// Next returns a fresh slug. Uniqueness is enforced by the registry, not here.
func (g *Generator) Next() string {
	return adjectives[g.intn(len(adjectives))] + "-" +
		nouns[g.intn(len(nouns))] + "-" +
		nouns[g.intn(len(nouns))]
}

// Valid reports whether s is a routable subdomain label.
func Valid(s string) bool {
	return len(s) <= 63 && pattern.MatchString(s)
}
