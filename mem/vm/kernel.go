package vm

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/Talon396/owlOS/sim/hooking"
	"github.com/Talon396/owlOS/sim/id"
)

// A Kernel is the process-wide virtual-memory context. It holds the
// collaborators, the published boot table, the canonical address space and
// the registry of live address spaces.
//
// The boot table and the canonical address space are assigned once. The
// kernel lock is taken before the allocator's lock, never after it.
type Kernel struct {
	hooking.HookableBase

	lock sync.Mutex

	mem             PhysicalMemory
	frames          FrameAllocator
	cpu             CPU
	logger          *log.Logger
	ids             id.IDGenerator
	directMapOffset uint64

	bootTable     uint64
	bootPublished bool
	canonical     *AddressSpace

	spaces  map[string]*AddressSpace
	nextSeq uint64
}

// Memory returns the physical memory window.
func (k *Kernel) Memory() PhysicalMemory {
	return k.mem
}

// FrameAllocator returns the allocator that supplies table and page frames.
func (k *Kernel) FrameAllocator() FrameAllocator {
	return k.frames
}

// CPU returns the local core.
func (k *Kernel) CPU() CPU {
	return k.cpu
}

// Logger returns the kernel's logger.
func (k *Kernel) Logger() *log.Logger {
	return k.logger
}

// PhysToVirt returns the direct-map address of a physical address.
func (k *Kernel) PhysToVirt(paddr uint64) uint64 {
	return paddr + k.directMapOffset
}

// VirtToPhys is the inverse of PhysToVirt.
func (k *Kernel) VirtToPhys(vaddr uint64) uint64 {
	return vaddr - k.directMapOffset
}

// PublishBootTable records the table whose kernel half every new address
// space shares.
func (k *Kernel) PublishBootTable(root uint64) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	if k.bootPublished {
		return ErrAlreadyPublished
	}

	k.bootTable = root
	k.bootPublished = true

	return nil
}

// BootTable returns the published boot table.
func (k *Kernel) BootTable() (uint64, bool) {
	k.lock.Lock()
	defer k.lock.Unlock()

	return k.bootTable, k.bootPublished
}

// InstallCanonical makes as the kernel's canonical address space.
func (k *Kernel) InstallCanonical(as *AddressSpace) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	if k.canonical != nil {
		return ErrCanonicalInstalled
	}

	k.canonical = as

	return nil
}

// isKernelSubtree reports whether addr is the node behind one of the boot
// table's kernel-half root entries.
func (k *Kernel) isKernelSubtree(addr uint64) bool {
	root, published := k.BootTable()
	if !published {
		return false
	}

	boot := NodeAt(k.mem, root)
	for slot := KernelHalfStart; slot < EntriesPerNode; slot++ {
		e := boot.Entry(slot)
		if e.Present() && !e.HasFlags(FlagHuge) && e.Address() == addr {
			return true
		}
	}

	return false
}

// Canonical returns the canonical address space, or nil before boot import.
func (k *Kernel) Canonical() *AddressSpace {
	k.lock.Lock()
	defer k.lock.Unlock()

	return k.canonical
}

// Lookup finds a live address space by ID.
func (k *Kernel) Lookup(id string) (*AddressSpace, bool) {
	k.lock.Lock()
	defer k.lock.Unlock()

	as, found := k.spaces[id]

	return as, found
}

// Spaces returns the live address spaces in creation order.
func (k *Kernel) Spaces() []*AddressSpace {
	k.lock.Lock()
	spaces := make([]*AddressSpace, 0, len(k.spaces))
	for _, as := range k.spaces {
		spaces = append(spaces, as)
	}
	k.lock.Unlock()

	sort.Slice(spaces, func(i, j int) bool {
		return spaces[i].seq < spaces[j].seq
	})

	return spaces
}

// NewAddressSpace creates an address space whose kernel half aliases the
// published kernel table. The caller holds the only reference.
func (k *Kernel) NewAddressSpace() (*AddressSpace, error) {
	k.lock.Lock()
	as, err := k.newAddressSpaceLocked()
	k.lock.Unlock()

	if err != nil {
		return nil, err
	}

	k.logger.Printf("address space %s created, root 0x%x", as.id, as.root.Addr())
	k.invokeHook(HookPosCreate, as, nil)

	return as, nil
}

func (k *Kernel) newAddressSpaceLocked() (*AddressSpace, error) {
	if !k.bootPublished {
		return nil, ErrNotBooted
	}

	root, err := k.allocateNode()
	if err != nil {
		return nil, fmt.Errorf("allocate root: %w", err)
	}

	k.nextSeq++
	as := &AddressSpace{
		id:     k.ids.Generate(),
		seq:    k.nextSeq,
		kernel: k,
		root:   root,
	}
	as.refs.Store(1)

	kernelTable := NodeAt(k.mem, k.bootTable)
	for slot := KernelHalfStart; slot < EntriesPerNode; slot++ {
		e := kernelTable.Entry(slot)
		root.SetEntry(slot, e)

		if e.Present() {
			as.links[slot] = SubtreeLink{Kind: LinkAliased, Source: KernelLinkSource}
		}
	}

	k.spaces[as.id] = as

	return as, nil
}

func (k *Kernel) unregister(as *AddressSpace) {
	k.lock.Lock()
	defer k.lock.Unlock()

	delete(k.spaces, as.id)

	if k.canonical == as {
		k.canonical = nil
	}
}

// allocateNode takes a frame from the allocator and zeroes it.
func (k *Kernel) allocateNode() (Node, error) {
	addr, ok := k.frames.Allocate(PageSize)
	if !ok {
		return Node{}, ErrExhausted
	}

	node := NodeAt(k.mem, addr)
	if fm, ok := k.mem.(FrameMemory); ok {
		mustNotFail(fm.ZeroFrame(addr))
	} else {
		node.Zero()
	}

	return node, nil
}

// freeFrame returns a frame that as held to the allocator.
func (k *Kernel) freeFrame(as *AddressSpace, addr uint64) {
	k.frames.Free(addr, PageSize)
	k.invokeHook(HookPosFrameFree, as, FrameFreeDetail{PAddr: addr})
}

func (k *Kernel) copyFrame(dst, src uint64) {
	if fm, ok := k.mem.(FrameMemory); ok {
		mustNotFail(fm.CopyFrame(dst, src))
		return
	}

	data, err := k.mem.Read(src, PageSize)
	mustNotFail(err)
	mustNotFail(k.mem.Write(dst, data))
}

func (k *Kernel) invokeHook(pos *hooking.HookPos, as *AddressSpace, detail interface{}) {
	if k.NumHooks() == 0 {
		return
	}

	k.InvokeHook(hooking.HookCtx{
		Domain: k,
		Pos:    pos,
		Item:   as,
		Detail: detail,
	})
}
