package vm

import (
	"io"
	"log"

	"github.com/Talon396/owlOS/sim/id"
)

// A Builder can build a Kernel.
type Builder struct {
	mem             PhysicalMemory
	frames          FrameAllocator
	cpu             CPU
	logger          *log.Logger
	ids             id.IDGenerator
	directMapOffset uint64
}

// MakeBuilder creates a new builder with a silent logger and sequential IDs.
func MakeBuilder() Builder {
	return Builder{
		logger: log.New(io.Discard, "", 0),
	}
}

// WithMemory sets the physical memory window.
func (b Builder) WithMemory(mem PhysicalMemory) Builder {
	b.mem = mem
	return b
}

// WithFrameAllocator sets the allocator for table and page frames.
func (b Builder) WithFrameAllocator(frames FrameAllocator) Builder {
	b.frames = frames
	return b
}

// WithCPU sets the local core.
func (b Builder) WithCPU(cpu CPU) Builder {
	b.cpu = cpu
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger *log.Logger) Builder {
	b.logger = logger
	return b
}

// WithIDGenerator sets how address-space IDs are generated.
func (b Builder) WithIDGenerator(ids id.IDGenerator) Builder {
	b.ids = ids
	return b
}

// WithDirectMapOffset sets the offset of the direct-mapped window over
// physical memory.
func (b Builder) WithDirectMapOffset(offset uint64) Builder {
	b.directMapOffset = offset
	return b
}

// Build creates the Kernel. Memory, allocator and CPU are required.
func (b Builder) Build() *Kernel {
	if b.mem == nil {
		panic("vm: physical memory is required")
	}

	if b.frames == nil {
		panic("vm: frame allocator is required")
	}

	if b.cpu == nil {
		panic("vm: cpu is required")
	}

	k := &Kernel{
		mem:             b.mem,
		frames:          b.frames,
		cpu:             b.cpu,
		logger:          b.logger,
		ids:             b.ids,
		directMapOffset: b.directMapOffset,
		spaces:          make(map[string]*AddressSpace),
	}

	if k.ids == nil {
		k.ids = id.NewIDGenerator()
	}

	if k.logger == nil {
		k.logger = log.New(io.Discard, "", 0)
	}

	return k
}
