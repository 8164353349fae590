package vm

import (
	"fmt"
	"log"
	"sync/atomic"
)

// LinkKind says whether a root slot's subtree belongs to the address space
// that holds it.
type LinkKind int

// Kinds of subtree links.
const (
	LinkUnlinked LinkKind = iota
	LinkOwned
	LinkAliased
)

func (k LinkKind) String() string {
	switch k {
	case LinkOwned:
		return "owned"
	case LinkAliased:
		return "aliased"
	default:
		return "unlinked"
	}
}

// Sources of aliased links that are not another address space.
const (
	KernelLinkSource = "kernel"
	BootLinkSource   = "boot"
)

// A SubtreeLink records who owns the subtree under one root slot. Source is
// the ID of the address space (or KernelLinkSource / BootLinkSource) that an
// aliased subtree was copied from.
type SubtreeLink struct {
	Kind   LinkKind
	Source string
}

// An AddressSpace is one translation context rooted at a root node. It is not
// internally synchronized: at most one goroutine may mutate it at a time, and
// the same holds for every address space sharing one of its subtrees.
type AddressSpace struct {
	id     string
	seq    uint64
	kernel *Kernel
	root   Node
	links  [EntriesPerNode]SubtreeLink

	refs      atomic.Int32
	destroyed atomic.Bool
}

// ID returns the identifier of the address space.
func (as *AddressSpace) ID() string {
	return as.id
}

// Root returns the physical address of the root node, the value loaded into
// the translation-base register.
func (as *AddressSpace) Root() uint64 {
	return as.root.Addr()
}

// RootNode returns the root node.
func (as *AddressSpace) RootNode() Node {
	return as.root
}

// Kernel returns the kernel that created the address space.
func (as *AddressSpace) Kernel() *Kernel {
	return as.kernel
}

// Link returns the ownership of a root slot's subtree.
func (as *AddressSpace) Link(slot int) SubtreeLink {
	return as.links[slot]
}

// Destroyed reports whether the last reference has been released.
func (as *AddressSpace) Destroyed() bool {
	return as.destroyed.Load()
}

// Map points the page containing vaddr at the frame paddr with
// Present|Writable|NoExecute, allocating missing table levels. A previous
// mapping is overwritten and its frame is not freed. Only the local TLB entry
// of vaddr is invalidated.
func (as *AddressSpace) Map(vaddr, paddr uint64) (*PageEntry, error) {
	as.mustBeAlive()

	if !IsCanonical(vaddr) {
		return nil, fmt.Errorf("map 0x%x: %w", vaddr, ErrNonCanonical)
	}

	leaf, slot, err := as.walk(vaddr, true)
	if err != nil {
		return nil, fmt.Errorf("map 0x%x: %w", vaddr, err)
	}

	leaf.SetEntry(slot, MakeEntry(paddr, leafFlags))
	as.kernel.cpu.InvalidatePage(vaddr)

	as.kernel.invokeHook(HookPosMap, as, MapDetail{
		VAddr: PageAlign(vaddr),
		PAddr: paddr & addressMask,
	})

	return newPageEntry(as, leaf, slot, vaddr), nil
}

// Unmap clears the leaf of vaddr. Unmapping an address that was never mapped,
// or one inside a low-half slot aliasing the kernel half, is a no-op. The only
// error is ErrNonCanonical.
func (as *AddressSpace) Unmap(vaddr uint64) error {
	as.mustBeAlive()

	if !IsCanonical(vaddr) {
		return fmt.Errorf("unmap 0x%x: %w", vaddr, ErrNonCanonical)
	}

	if as.inKernelSubtree(Index(vaddr, LevelRoot)) {
		return nil
	}

	leaf, slot, err := as.walk(vaddr, false)
	if err != nil {
		return nil
	}

	if !leaf.Entry(slot).Present() {
		return nil
	}

	leaf.SetEntry(slot, 0)
	as.kernel.cpu.InvalidatePage(vaddr)
	as.kernel.invokeHook(HookPosUnmap, as, UnmapDetail{VAddr: PageAlign(vaddr)})

	return nil
}

// GetEntry returns a handle to the present leaf of vaddr.
func (as *AddressSpace) GetEntry(vaddr uint64) (*PageEntry, bool) {
	as.mustBeAlive()

	if !IsCanonical(vaddr) {
		return nil, false
	}

	leaf, slot, err := as.walk(vaddr, false)
	if err != nil || !leaf.Entry(slot).Present() {
		return nil, false
	}

	return newPageEntry(as, leaf, slot, vaddr), true
}

// Translate returns the physical address that vaddr maps to.
func (as *AddressSpace) Translate(vaddr uint64) (uint64, bool) {
	entry, found := as.GetEntry(vaddr)
	if !found {
		return 0, false
	}

	return entry.Target() + PageOffset(vaddr), true
}

// Switch loads the root into the local core's translation-base register.
//
// The caller must keep the address space alive for as long as it is active
// on this core.
func (as *AddressSpace) Switch() {
	as.mustBeAlive()

	as.kernel.cpu.LoadTranslationBase(as.root.Addr())
	as.kernel.invokeHook(HookPosSwitch, as, SwitchDetail{Root: as.root.Addr()})
}

// Flush invalidates the whole local TLB.
func (as *AddressSpace) Flush() {
	as.kernel.cpu.FlushAll()
}

// Retain adds a reference.
func (as *AddressSpace) Retain() *AddressSpace {
	as.mustBeAlive()
	as.refs.Add(1)

	return as
}

// Release drops a reference. Releasing the last one tears the address space
// down.
func (as *AddressSpace) Release() {
	refs := as.refs.Add(-1)

	switch {
	case refs == 0:
		as.destroy()
	case refs < 0:
		log.Panicf("address space %s released more often than retained", as.id)
	}
}

// Destroy tears the address space down. The caller must hold the last
// reference.
func (as *AddressSpace) Destroy() {
	if refs := as.refs.Load(); refs != 1 {
		log.Panicf("address space %s destroyed with %d references", as.id, refs)
	}

	as.Release()
}

func (as *AddressSpace) mustBeAlive() {
	if as.destroyed.Load() {
		log.Panicf("address space %s used after destruction", as.id)
	}
}

func (as *AddressSpace) String() string {
	return fmt.Sprintf("as[%s]@0x%x", as.id, as.root.Addr())
}
