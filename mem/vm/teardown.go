package vm

import "log"

// destroy frees every subtree owned by the address space under root slots
// 0-255, then the root itself. Aliased subtrees, and subtrees whose root entry
// carries FlagNoFree, are left untouched. Huge entries are neither descended
// nor freed.
func (as *AddressSpace) destroy() {
	if !as.destroyed.CompareAndSwap(false, true) {
		log.Panicf("address space %s destroyed twice", as.id)
	}

	k := as.kernel
	if k.cpu.TranslationBase() == as.root.Addr() {
		log.Panicf("address space %s destroyed while active", as.id)
	}

	freed := 0
	for slot := 0; slot < KernelHalfStart; slot++ {
		e := as.root.Entry(slot)
		if !e.Present() || !as.ownsSlot(slot, e) {
			continue
		}

		freed += as.freeSubtree(as.root.Child(slot), LevelL3)
		as.root.SetEntry(slot, 0)
	}

	k.freeFrame(as, as.root.Addr())
	freed++

	k.unregister(as)
	k.logger.Printf("address space %s destroyed, %d frames freed", as.id, freed)
	k.invokeHook(HookPosDestroy, as, DestroyDetail{FreedFrames: freed})
}

func (as *AddressSpace) ownsSlot(slot int, e Entry) bool {
	return as.links[slot].Kind != LinkAliased && !e.HasFlags(FlagNoFree)
}

// freeSubtree frees node, every node below it and every leaf frame, and
// returns the number of frames freed.
func (as *AddressSpace) freeSubtree(node Node, level int) int {
	k := as.kernel
	freed := 0

	for i, e := range node.Entries() {
		if !e.Present() {
			continue
		}

		switch {
		case level == LevelLeaf:
			k.freeFrame(as, e.Address())
			freed++
		case e.HasFlags(FlagHuge):
		default:
			freed += as.freeSubtree(node.Child(i), level+1)
		}
	}

	k.freeFrame(as, node.Addr())

	return freed + 1
}
