// Package platform assembles a simulated machine and boots the
// virtual-memory subsystem on it.
package platform

import (
	"fmt"
	"io"
	"log"

	"github.com/Talon396/owlOS/mem/frame"
	"github.com/Talon396/owlOS/mem/vm"
	"github.com/Talon396/owlOS/mem/vm/boot"
	"github.com/Talon396/owlOS/sim/cpu"
	"github.com/Talon396/owlOS/sim/firmware"
	"github.com/Talon396/owlOS/sim/hooking"
	"github.com/Talon396/owlOS/sim/id"
	"github.com/Talon396/owlOS/sim/physmem"
)

// Backing selects how physical memory is held on the host.
type Backing string

// Backings.
const (
	BackingSparse Backing = "sparse"
	BackingMmap   Backing = "mmap"
)

// A Platform is a booted machine.
type Platform struct {
	Memory    physmem.Memory
	Frames    *frame.Allocator
	Core      *cpu.Core
	Kernel    *vm.Kernel
	Tables    *firmware.Tables
	MemoryMap []boot.MemoryMapEntry
	Report    *boot.Report
}

// Close releases the host memory of the machine.
func (p *Platform) Close() error {
	if c, ok := p.Memory.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

// A Builder can build platforms.
type Builder struct {
	physBytes uint64
	backing   Backing
	mmap      []boot.MemoryMapEntry
	logger    *log.Logger
	ids       id.IDGenerator
	hooks     []hooking.Hook
	tlbSets   int
	tlbWays   int
}

// MakeBuilder returns a builder for a 64MiB machine with sparse memory.
func MakeBuilder() Builder {
	return Builder{
		physBytes: 64 << 20,
		backing:   BackingSparse,
		logger:    log.New(io.Discard, "", 0),
		tlbSets:   64,
		tlbWays:   4,
	}
}

// WithPhysBytes sets the amount of RAM.
func (b Builder) WithPhysBytes(n uint64) Builder {
	b.physBytes = n
	return b
}

// WithBacking sets how RAM is held on the host.
func (b Builder) WithBacking(backing Backing) Builder {
	b.backing = backing
	return b
}

// WithMemoryMap replaces the default memory map. The map must still reserve
// the default kernel image and boot table ranges.
func (b Builder) WithMemoryMap(mmap []boot.MemoryMapEntry) Builder {
	b.mmap = mmap
	return b
}

// WithLogger sets the logger of the kernel.
func (b Builder) WithLogger(logger *log.Logger) Builder {
	b.logger = logger
	return b
}

// WithIDGenerator sets how address-space IDs are generated.
func (b Builder) WithIDGenerator(ids id.IDGenerator) Builder {
	b.ids = ids
	return b
}

// WithHook registers a hook on the kernel before it boots.
func (b Builder) WithHook(hook hooking.Hook) Builder {
	b.hooks = append(b.hooks[:len(b.hooks):len(b.hooks)], hook)
	return b
}

// WithTLB sets the geometry of the core's TLB.
func (b Builder) WithTLB(sets, ways int) Builder {
	b.tlbSets = sets
	b.tlbWays = ways

	return b
}

// Build creates the machine, lets the firmware build the boot tables and
// imports them.
func (b Builder) Build() (*Platform, error) {
	mem, err := b.buildMemory()
	if err != nil {
		return nil, err
	}

	p := &Platform{Memory: mem, MemoryMap: b.mmap}

	if p.MemoryMap == nil {
		p.MemoryMap, err = firmware.DefaultMemoryMap(b.physBytes)
		if err != nil {
			p.Close()
			return nil, err
		}
	}

	if err := b.boot(p); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

func (b Builder) buildMemory() (physmem.Memory, error) {
	switch b.backing {
	case BackingSparse, "":
		return physmem.NewStorage(b.physBytes), nil
	case BackingMmap:
		return physmem.NewMapped(b.physBytes)
	default:
		return nil, fmt.Errorf("platform: unknown backing %q", b.backing)
	}
}

func (b Builder) boot(p *Platform) error {
	var err error

	p.Frames = frame.NewAllocator()
	p.Core = cpu.MakeBuilder().
		WithMemory(p.Memory).
		WithNumSets(b.tlbSets).
		WithNumWays(b.tlbWays).
		Build("Core0")

	kb := vm.MakeBuilder().
		WithMemory(p.Memory).
		WithFrameAllocator(p.Frames).
		WithCPU(p.Core).
		WithLogger(b.logger).
		WithDirectMapOffset(firmware.DirectMapOffset)
	if b.ids != nil {
		kb = kb.WithIDGenerator(b.ids)
	}

	p.Kernel = kb.Build()

	for _, hook := range b.hooks {
		p.Kernel.AcceptHook(hook)
	}

	p.Tables, err = firmware.BuildBootTables(p.Memory, firmware.DefaultLayout(b.physBytes))
	if err != nil {
		return err
	}

	p.Core.LoadTranslationBase(p.Tables.Root)

	p.Report, err = boot.NewImporter(p.Kernel, p.Frames).Import(p.MemoryMap, p.Tables.Root)

	return err
}
