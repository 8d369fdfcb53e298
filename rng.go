package mrtcp

// rng.go holds the sources of uniform random numbers used by the RED queue.

import (
	"hash/fnv"

	"github.com/iti/rngstream"
	"golang.org/x/exp/rand"
)

// U01Source delivers uniform samples from [0,1).  *rngstream.RngStream
// satisfies it directly.
type U01Source interface {
	RandU01() float64
}

// pcgSource is a seeded U01Source.  Two pcgSources built from the same seed
// produce the same sequence, in or across processes.
type pcgSource struct {
	rng *rand.Rand
}

// createPCGSource is a constructor
func createPCGSource(seed uint64) *pcgSource {
	return &pcgSource{rng: rand.New(rand.NewSource(seed))}
}

// RandU01 implements U01Source
func (ps *pcgSource) RandU01() float64 {
	return ps.rng.Float64()
}

// createU01Source selects the generator named by kind.  "rngstream" gives a
// named L'Ecuyer stream, whose state depends on the order streams are created in;
// anything else gives a PCG generator seeded from seed and the
// stream name.
func createU01Source(kind string, name string, seed uint64) U01Source {
	if kind == "rngstream" {
		return rngstream.New(name)
	}
	return createPCGSource(seed ^ nameHash(name))
}

// nameHash gives differently named streams different seeds
func nameHash(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}
