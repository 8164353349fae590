package vm

// PhysicalMemory is the direct-mapped window through which every physical
// frame, including page-table nodes, is read and written.
type PhysicalMemory interface {
	Read(addr, length uint64) ([]byte, error)
	Write(addr uint64, data []byte) error
}

// FrameAllocator supplies and reclaims physical frames. Allocate returns false
// when no memory is left.
type FrameAllocator interface {
	Allocate(size uint64) (addr uint64, ok bool)
	Free(addr, size uint64)
}

// CPU is the local core whose translation-base register and TLB this
// subsystem drives. Invalidation is local to that core; cross-core shootdown
// is not provided.
type CPU interface {
	LoadTranslationBase(root uint64)
	TranslationBase() uint64
	InvalidatePage(vaddr uint64)
	FlushAll()
}

// A Region is a range of physical memory that the frame allocator may hand
// out.
type Region struct {
	Base   uint64
	Length uint64
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Length
}

// FrameMemory is a PhysicalMemory that can zero and copy whole frames
// without moving them through the caller. The kernel uses it when available.
type FrameMemory interface {
	PhysicalMemory
	ZeroFrame(addr uint64) error
	CopyFrame(dst, src uint64) error
}
