package cpu

import "github.com/Talon396/owlOS/mem/vm"

// A Builder can build cores.
type Builder struct {
	mem     vm.PhysicalMemory
	numSets int
	numWays int
}

// MakeBuilder returns a builder for a core with a 64-set, 4-way TLB.
func MakeBuilder() Builder {
	return Builder{
		numSets: 64,
		numWays: 4,
	}
}

// WithMemory sets the memory the page walker reads tables from.
func (b Builder) WithMemory(mem vm.PhysicalMemory) Builder {
	b.mem = mem
	return b
}

// WithNumSets sets the number of TLB sets.
func (b Builder) WithNumSets(n int) Builder {
	b.numSets = n
	return b
}

// WithNumWays sets the associativity of the TLB.
func (b Builder) WithNumWays(n int) Builder {
	b.numWays = n
	return b
}

// Build creates a core.
func (b Builder) Build(name string) *Core {
	if b.mem == nil {
		panic("cpu: memory is required")
	}

	if b.numSets <= 0 || b.numWays <= 0 {
		panic("cpu: TLB must have at least one set and one way")
	}

	return &Core{
		name: name,
		mem:  b.mem,
		tlb:  newTLB(b.numSets, b.numWays),
	}
}
