package vm

const (
	// PageSize is the size of a frame and of a leaf mapping.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12

	// EntriesPerNode is the number of entries in one page-table node.
	EntriesPerNode = 512

	// Levels is the depth of the radix tree.
	Levels = 4

	// LowWindowSlot is the root slot of the low/identity window. It is shared
	// by reference across every address space.
	LowWindowSlot = 0

	// StackSlot is the root slot holding the stack/user-data region. Clone
	// aliases it for threads and deep-copies it for forks.
	StackSlot = 255

	// KernelHalfStart is the first root slot of the kernel half. Slots
	// KernelHalfStart..EntriesPerNode-1 alias the kernel's canonical table.
	KernelHalfStart = 256
)

// Levels are numbered from the root down, matching the walk order.
const (
	LevelRoot = iota
	LevelL3
	LevelL2
	LevelLeaf
)

var levelShifts = [Levels]uint{39, 30, 21, 12}

// Index returns the slot that vaddr selects in a node of the given level.
func Index(vaddr uint64, level int) int {
	return int((vaddr >> levelShifts[level]) & (EntriesPerNode - 1))
}

// Indices decomposes vaddr into its root, l3, l2 and leaf slots.
func Indices(vaddr uint64) [Levels]int {
	var idx [Levels]int
	for level := range idx {
		idx[level] = Index(vaddr, level)
	}

	return idx
}

// Compose builds the canonical virtual address selected by the four slots.
func Compose(root, l3, l2, l1 int) uint64 {
	vaddr := uint64(root)<<levelShifts[LevelRoot] |
		uint64(l3)<<levelShifts[LevelL3] |
		uint64(l2)<<levelShifts[LevelL2] |
		uint64(l1)<<levelShifts[LevelLeaf]

	return signExtend(vaddr)
}

// LevelSpan returns the number of bytes covered by one entry of a node at the
// given level.
func LevelSpan(level int) uint64 {
	return 1 << levelShifts[level]
}

// IsCanonical reports whether bits 63:48 of vaddr all equal bit 47.
func IsCanonical(vaddr uint64) bool {
	return signExtend(vaddr) == vaddr
}

// PageAlign rounds vaddr down to its page boundary.
func PageAlign(vaddr uint64) uint64 {
	return vaddr &^ (PageSize - 1)
}

// PageOffset returns the offset of vaddr within its page.
func PageOffset(vaddr uint64) uint64 {
	return vaddr & (PageSize - 1)
}

// IsKernelHalf reports whether the root slot belongs to the shared kernel
// half.
func IsKernelHalf(rootSlot int) bool {
	return rootSlot >= KernelHalfStart
}

func signExtend(vaddr uint64) uint64 {
	low := vaddr & (1<<48 - 1)
	if low&(1<<47) != 0 {
		return low | 0xffff_0000_0000_0000
	}

	return low
}
