// Package boot takes over the page tables and the memory map the bootloader
// leaves behind.
package boot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Talon396/owlOS/mem/vm"
)

// MaxUsableRegions is the number of usable regions handed to the frame
// allocator. Further usable regions are dropped.
const MaxUsableRegions = 32

// BootWindowSlot is the root slot of the boot table that the canonical
// address space installs into its own low window.
const BootWindowSlot = vm.KernelHalfStart

// ErrAlreadyImported is returned when the boot tables are imported twice.
var ErrAlreadyImported = errors.New("boot: already imported")

// RegionSetup receives the usable memory once. It is usually the frame
// allocator.
type RegionSetup interface {
	Setup(regions []vm.Region) error
}

// A Report describes what an import did.
type Report struct {
	// Regions are the usable regions handed to the allocator.
	Regions []vm.Region

	// Dropped is the number of usable regions beyond MaxUsableRegions.
	Dropped int

	// Hardened is the number of kernel-half entries that lost FlagUser.
	Hardened int

	// Used and Total are the accounting counters after the import.
	Used  uint64
	Total uint64

	// Canonical is the kernel's address space, active on the local core.
	Canonical *vm.AddressSpace
}

// An Importer turns the bootloader's state into the kernel's.
type Importer struct {
	lock       sync.Mutex
	kernel     *vm.Kernel
	setup      RegionSetup
	accounting *Accounting
	imported   bool
}

// NewImporter creates an importer for the kernel. The usable regions go to
// setup.
func NewImporter(kernel *vm.Kernel, setup RegionSetup) *Importer {
	return &Importer{
		kernel:     kernel,
		setup:      setup,
		accounting: &Accounting{},
	}
}

// Accounting returns the counters the importer fills.
func (im *Importer) Accounting() *Accounting {
	return im.accounting
}

// Import publishes bootRoot as the kernel table, strips user access from its
// kernel half, hands the usable regions of mmap to the allocator, and then
// builds, installs and activates the canonical address space.
func (im *Importer) Import(mmap []MemoryMapEntry, bootRoot uint64) (*Report, error) {
	im.lock.Lock()
	defer im.lock.Unlock()

	if im.imported {
		return nil, ErrAlreadyImported
	}

	im.imported = true
	k := im.kernel

	if err := k.PublishBootTable(bootRoot); err != nil {
		return nil, fmt.Errorf("boot: publish table: %w", err)
	}

	report := &Report{}
	report.Hardened = im.harden(vm.NodeAt(k.Memory(), bootRoot))

	report.Regions, report.Dropped = im.scanMemoryMap(mmap)
	if err := im.setup.Setup(report.Regions); err != nil {
		return nil, fmt.Errorf("boot: set up frames: %w", err)
	}

	canonical, err := im.buildCanonical(bootRoot)
	if err != nil {
		return nil, err
	}

	report.Canonical = canonical
	report.Used = im.accounting.Used()
	report.Total = im.accounting.Total()

	return report, nil
}

// harden clears FlagUser on every present entry reachable from the kernel
// half of root. A huge entry ends its branch. The whole TLB is flushed once
// at the end.
func (im *Importer) harden(root vm.Node) int {
	hardened := 0
	for slot := vm.KernelHalfStart; slot < vm.EntriesPerNode; slot++ {
		hardened += hardenEntry(root, slot, vm.LevelRoot)
	}

	im.kernel.CPU().FlushAll()

	return hardened
}

func hardenEntry(node vm.Node, slot, level int) int {
	e := node.Entry(slot)
	if !e.Present() {
		return 0
	}

	hardened := 0
	if e.HasFlags(vm.FlagUser) {
		node.SetEntry(slot, e.ClearFlags(vm.FlagUser))
		hardened++
	}

	if level == vm.LevelLeaf || e.HasFlags(vm.FlagHuge) {
		return hardened
	}

	child := node.Child(slot)
	for i := 0; i < vm.EntriesPerNode; i++ {
		hardened += hardenEntry(child, i, level+1)
	}

	return hardened
}

func (im *Importer) scanMemoryMap(mmap []MemoryMapEntry) ([]vm.Region, int) {
	k := im.kernel
	regions := make([]vm.Region, 0, MaxUsableRegions)
	dropped := 0

	for _, e := range mmap {
		k.Logger().Printf("[mem 0x%016x-0x%016x] %s",
			k.PhysToVirt(e.Base), k.PhysToVirt(e.End()), e.Type)

		switch e.Type {
		case Usable:
			if len(regions) == MaxUsableRegions {
				dropped++
				continue
			}

			regions = append(regions, vm.Region{Base: e.Base, Length: e.Length})
		case KernelAndModules:
			im.accounting.Reserve(e.Length)
		}
	}

	if dropped > 0 {
		k.Logger().Printf("boot: %d usable regions beyond the first %d ignored",
			dropped, MaxUsableRegions)
	}

	return regions, dropped
}

func (im *Importer) buildCanonical(bootRoot uint64) (*vm.AddressSpace, error) {
	k := im.kernel

	canonical, err := k.NewAddressSpace()
	if err != nil {
		return nil, fmt.Errorf("boot: create canonical address space: %w", err)
	}

	window := vm.NodeAt(k.Memory(), bootRoot).Entry(BootWindowSlot)
	if window.Present() {
		canonical.AliasRootSlot(vm.LowWindowSlot, window, vm.BootLinkSource)
	} else {
		k.Logger().Printf("boot: root slot %d of the boot table is empty, "+
			"low window left unmapped", BootWindowSlot)
	}

	if err := k.InstallCanonical(canonical); err != nil {
		canonical.Release()
		return nil, fmt.Errorf("boot: %w", err)
	}

	canonical.Switch()

	return canonical, nil
}
