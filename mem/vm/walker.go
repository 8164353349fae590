package vm

import "errors"

var errNotMapped = errors.New("vm: not mapped")

// walk descends from the root to the leaf node covering vaddr and returns it
// with the leaf slot. With create, missing levels are allocated, zeroed and
// linked; kernel-half links never carry FlagUser. Without create an absent
// level yields errNotMapped. A create walk through a low-half slot that
// aliases a kernel-half subtree fails with ErrKernelSubtree.
func (as *AddressSpace) walk(vaddr uint64, create bool) (Node, int, error) {
	idx := Indices(vaddr)
	kernelHalf := IsKernelHalf(idx[LevelRoot])
	shared := create && as.inKernelSubtree(idx[LevelRoot])
	node := as.root

	for level := LevelRoot; level < LevelLeaf; level++ {
		slot := idx[level]
		e := node.Entry(slot)

		if e.Present() && e.HasFlags(FlagHuge) {
			if create {
				return Node{}, 0, ErrHugePage
			}

			return Node{}, 0, errNotMapped
		}

		if e.Present() {
			node = node.Child(slot)
			continue
		}

		if !create {
			return Node{}, 0, errNotMapped
		}

		if shared {
			return Node{}, 0, ErrKernelSubtree
		}

		if level == LevelRoot && kernelHalf {
			return Node{}, 0, ErrKernelHalfUnpopulated
		}

		child, err := as.kernel.allocateNode()
		if err != nil {
			return Node{}, 0, err
		}

		flags := linkFlags
		if kernelHalf {
			flags &^= FlagUser
		}

		node.SetEntry(slot, MakeEntry(child.Addr(), flags))

		if level == LevelRoot {
			as.links[slot] = SubtreeLink{Kind: LinkOwned}
		}

		node = child
	}

	if shared {
		return Node{}, 0, ErrKernelSubtree
	}

	return node, idx[LevelLeaf], nil
}

// inKernelSubtree reports whether the low-half root slot of as points at a
// subtree that the boot table links from its kernel half.
func (as *AddressSpace) inKernelSubtree(slot int) bool {
	if IsKernelHalf(slot) || as.links[slot].Kind != LinkAliased {
		return false
	}

	e := as.root.Entry(slot)
	if !e.Present() {
		return false
	}

	return as.kernel.isKernelSubtree(e.Address())
}
