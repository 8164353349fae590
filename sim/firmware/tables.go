package firmware

import (
	"errors"
	"fmt"

	"github.com/Talon396/owlOS/mem/vm"
)

// Addresses of the default machine.
const (
	MinPhysBytes = 16 << 20

	KernelPhysBase  = 0x100000
	KernelLength    = 0x300000
	TableAreaBase   = 0x400000
	TableAreaLength = 0x400000
	usableBase      = 0x800000

	// DirectMapOffset is where the bootloader maps all of physical memory,
	// the start of root slot 256.
	DirectMapOffset = 0xffff_8000_0000_0000

	// KernelVirtBase is where the kernel image is linked.
	KernelVirtBase = 0xffff_ffff_8000_0000

	identityLimit = 4 << 30
	hugePageSize  = 2 << 20
)

// ErrTableAreaFull is returned when the boot tables do not fit in the area
// reserved for them.
var ErrTableAreaFull = errors.New("firmware: boot table area exhausted")

// A Layout says what the boot tables map.
type Layout struct {
	PhysBytes       uint64
	DirectMapOffset uint64
	KernelPhysBase  uint64
	KernelLength    uint64
	KernelVirtBase  uint64

	// TableArea is the bootloader-reclaimable range the tables are built in.
	TableArea vm.Region
}

// DefaultLayout returns the layout matching DefaultMemoryMap.
func DefaultLayout(physBytes uint64) Layout {
	return Layout{
		PhysBytes:       physBytes,
		DirectMapOffset: DirectMapOffset,
		KernelPhysBase:  KernelPhysBase,
		KernelLength:    KernelLength,
		KernelVirtBase:  KernelVirtBase,
		TableArea:       vm.Region{Base: TableAreaBase, Length: TableAreaLength},
	}
}

// Tables are the page tables a bootloader leaves behind.
type Tables struct {
	Root   uint64
	Frames int
}

// BuildBootTables writes bootloader-style tables into the table area:
//
//   - an identity window over the first 4GiB at root slot 0,
//   - all of physical memory at the direct-map offset, in 2MiB pages,
//   - the kernel image at its link address, in 4KiB pages.
//
// Like a real bootloader it leaves FlagUser set on the higher half.
func BuildBootTables(mem vm.PhysicalMemory, layout Layout) (*Tables, error) {
	b := &tableBuilder{
		mem:  mem,
		next: layout.TableArea.Base,
		end:  layout.TableArea.End(),
	}

	root, err := b.allocate()
	if err != nil {
		return nil, err
	}

	phys := (layout.PhysBytes + hugePageSize - 1) &^ (hugePageSize - 1)
	link := vm.FlagPresent | vm.FlagWritable | vm.FlagUser

	err = b.mapRange(root, 0, 0, min(phys, identityLimit), vm.LevelL2,
		vm.FlagPresent|vm.FlagWritable)
	if err != nil {
		return nil, fmt.Errorf("identity window: %w", err)
	}

	err = b.mapRange(root, layout.DirectMapOffset, 0, phys, vm.LevelL2, link)
	if err != nil {
		return nil, fmt.Errorf("direct map: %w", err)
	}

	err = b.mapRange(root, layout.KernelVirtBase, layout.KernelPhysBase,
		layout.KernelLength, vm.LevelLeaf, link)
	if err != nil {
		return nil, fmt.Errorf("kernel image: %w", err)
	}

	return &Tables{Root: root.Addr(), Frames: b.frames}, nil
}

type tableBuilder struct {
	mem    vm.PhysicalMemory
	next   uint64
	end    uint64
	frames int
}

func (b *tableBuilder) allocate() (vm.Node, error) {
	if b.next+vm.PageSize > b.end {
		return vm.Node{}, ErrTableAreaFull
	}

	if err := b.mem.Write(b.next, make([]byte, vm.PageSize)); err != nil {
		return vm.Node{}, err
	}

	node := vm.NodeAt(b.mem, b.next)
	b.next += vm.PageSize
	b.frames++

	return node, nil
}

// mapRange maps length bytes with entries at the given level. Level L2 makes
// 2MiB huge pages, LevelLeaf 4KiB pages.
func (b *tableBuilder) mapRange(
	root vm.Node,
	vaddr, paddr, length uint64,
	level int,
	flags vm.EntryFlag,
) error {
	span := vm.LevelSpan(level)
	if level != vm.LevelLeaf {
		flags |= vm.FlagHuge
	}

	for off := uint64(0); off < length; off += span {
		node, err := b.descend(root, vaddr+off, level)
		if err != nil {
			return err
		}

		node.SetEntry(vm.Index(vaddr+off, level), vm.MakeEntry(paddr+off, flags))
	}

	return nil
}

func (b *tableBuilder) descend(root vm.Node, vaddr uint64, target int) (vm.Node, error) {
	node := root
	link := vm.FlagPresent | vm.FlagWritable | vm.FlagUser

	for level := vm.LevelRoot; level < target; level++ {
		slot := vm.Index(vaddr, level)

		if e := node.Entry(slot); e.Present() {
			node = node.Child(slot)
			continue
		}

		child, err := b.allocate()
		if err != nil {
			return vm.Node{}, err
		}

		node.SetEntry(slot, vm.MakeEntry(child.Addr(), link))
		node = child
	}

	return node, nil
}
