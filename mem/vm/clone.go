package vm

import (
	"fmt"
	"log"
)

// Clone creates a child address space.
//
// The child always shares the parent's low window (root slot 0) by reference.
// For a thread the stack region (root slot 255) is shared the same way and
// writes through either space are visible in both. For a fork every 4KiB page
// of the stack region is copied into a fresh frame mapped at the same address
// with the same Writable, Executable and User bits. The other user slots are
// left empty.
//
// Shared slots are tagged aliased and carry FlagNoFree, so destroying the
// child never frees frames the parent still maps.
func (as *AddressSpace) Clone(isThread bool) (*AddressSpace, error) {
	as.mustBeAlive()

	child, err := as.kernel.NewAddressSpace()
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", as.id, err)
	}

	child.aliasSlot(as, LowWindowSlot)

	detail := CloneDetail{ParentID: as.id, Thread: isThread}

	if isThread {
		child.aliasSlot(as, StackSlot)
	} else {
		copied, err := as.copyStackRegion(child)
		if err != nil {
			child.Release()
			return nil, fmt.Errorf("clone %s: %w", as.id, err)
		}

		detail.CopiedPages = copied
	}

	as.kernel.invokeHook(HookPosClone, child, detail)

	return child, nil
}

// aliasSlot makes slot of as point at the same subtree as slot of src. An
// empty source slot stays empty.
func (as *AddressSpace) aliasSlot(src *AddressSpace, slot int) {
	e := src.root.Entry(slot)
	if !e.Present() {
		return
	}

	as.root.SetEntry(slot, MakeEntry(e.Address(), aliasFlags))
	as.links[slot] = SubtreeLink{Kind: LinkAliased, Source: src.id}
}

func (as *AddressSpace) copyStackRegion(child *AddressSpace) (int, error) {
	k := as.kernel
	copied := 0

	var err error

	as.VisitMappings(StackSlot, StackSlot, func(m Mapping) bool {
		if m.Huge() {
			k.logger.Printf("clone %s: huge page at 0x%x not copied", as.id, m.VAddr)
			return true
		}

		err = as.copyPage(child, m)
		if err != nil {
			return false
		}

		copied++

		return true
	})

	return copied, err
}

func (as *AddressSpace) copyPage(child *AddressSpace, m Mapping) error {
	k := as.kernel

	page, ok := k.frames.Allocate(PageSize)
	if !ok {
		return fmt.Errorf("copy page 0x%x: %w", m.VAddr, ErrExhausted)
	}

	k.copyFrame(page, m.Entry.Address())

	entry, err := child.Map(m.VAddr, page)
	if err != nil {
		k.freeFrame(child, page)
		return err
	}

	entry.SetWritable(m.Entry.HasFlags(FlagWritable))
	entry.SetExecutable(!m.Entry.HasFlags(FlagNoExecute))
	entry.SetUser(m.Entry.HasFlags(FlagUser))
	entry.Update()

	return nil
}

// AliasRootSlot installs e, the root entry of a subtree owned elsewhere, into
// a user-half root slot. The slot is tagged aliased from source and marked
// FlagNoFree, so teardown leaves the subtree alone.
func (as *AddressSpace) AliasRootSlot(slot int, e Entry, source string) {
	as.mustBeAlive()

	if IsKernelHalf(slot) {
		log.Panicf("root slot %d belongs to the kernel half", slot)
	}

	if !e.Present() {
		log.Panicf("aliasing a non-present entry into root slot %d", slot)
	}

	as.root.SetEntry(slot, e.SetFlags(FlagNoFree))
	as.links[slot] = SubtreeLink{Kind: LinkAliased, Source: source}
}
