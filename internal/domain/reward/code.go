package reward

import (
	"math/rand/v2"
	"strings"
	"sync"
)

const codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandomSource yields uniformly distributed integers in [0, n).
type RandomSource interface {
	IntN(n int) int
}

// lockedRand makes a *rand.Rand safe for concurrent use.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}

// NewRandomSource returns a concurrency-safe RandomSource. A zero seed pair
// selects a randomly seeded generator; any other pair is deterministic.
func NewRandomSource(seed1, seed2 uint64) RandomSource {
	if seed1 == 0 && seed2 == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}
	return &lockedRand{r: rand.New(rand.NewPCG(seed1, seed2))}
}

// CodeGenerator produces promotional coupon codes such as "GIFT7Q2KX9ZA".
// Codes are not credentials and are not cryptographically secure.
type CodeGenerator struct {
	prefix string
	length int
	src    RandomSource
}

// NewCodeGenerator returns a generator emitting prefix followed by length
// base-36 characters.
func NewCodeGenerator(prefix string, length int, src RandomSource) *CodeGenerator {
	return &CodeGenerator{prefix: prefix, length: length, src: src}
}

// Next returns a fresh code.
func (g *CodeGenerator) Next() string {
	var b strings.Builder
	b.Grow(len(g.prefix) + g.length)
	b.WriteString(g.prefix)
	for range g.length {
		b.WriteByte(codeAlphabet[g.src.IntN(len(codeAlphabet))])
	}
	return b.String()
}
