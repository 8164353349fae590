// Package frame hands out physical frames of the regions the firmware reports
// as usable.
package frame

import (
	"errors"
	"log"
	"sync"

	"github.com/Talon396/owlOS/mem/vm"
)

// ErrAlreadySetup is returned when Setup is called twice.
var ErrAlreadySetup = errors.New("frame: allocator already set up")

type region struct {
	base uint64
	end  uint64
	next uint64
}

// An Allocator is a free-list allocator over a set of regions. Freed single
// frames go onto the free list and are handed out first. Everything else is
// carved from the regions in address order.
//
// Frame 0 is never handed out, so address 0 can stand for "no frame".
type Allocator struct {
	lock sync.Mutex

	regions   []region
	freeList  []uint64
	allocated map[uint64]struct{}
	total     uint64
	setup     bool
}

// NewAllocator creates an allocator without memory. Setup gives it regions.
func NewAllocator() *Allocator {
	return &Allocator{
		allocated: make(map[uint64]struct{}),
	}
}

// Setup hands the usable regions to the allocator. Regions are shrunk to
// whole frames; empty ones are ignored.
func (a *Allocator) Setup(regions []vm.Region) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.setup {
		return ErrAlreadySetup
	}

	a.setup = true

	for _, r := range regions {
		base := alignUp(r.Base)
		end := alignDown(r.End())

		if base == 0 {
			base = vm.PageSize
		}

		if end <= base {
			continue
		}

		a.regions = append(a.regions, region{base: base, end: end, next: base})
		a.total += end - base
	}

	return nil
}

// Allocate returns size bytes of contiguous frames. The size is rounded up to
// whole frames. It returns false when no memory is left.
func (a *Allocator) Allocate(size uint64) (uint64, bool) {
	if size == 0 {
		log.Panic("frame: zero-sized allocation")
	}

	size = alignUp(size)

	a.lock.Lock()
	defer a.lock.Unlock()

	if size == vm.PageSize && len(a.freeList) > 0 {
		addr := a.freeList[len(a.freeList)-1]
		a.freeList = a.freeList[:len(a.freeList)-1]
		a.markAllocated(addr, size)

		return addr, true
	}

	for i := range a.regions {
		r := &a.regions[i]
		if r.end-r.next < size {
			continue
		}

		addr := r.next
		r.next += size
		a.markAllocated(addr, size)

		return addr, true
	}

	return 0, false
}

// Free returns frames to the allocator. Freeing a frame that is not
// allocated is a kernel bug and panics.
func (a *Allocator) Free(addr, size uint64) {
	if addr%vm.PageSize != 0 {
		log.Panicf("frame: free of unaligned address 0x%x", addr)
	}

	size = alignUp(size)

	a.lock.Lock()
	defer a.lock.Unlock()

	for page := addr; page < addr+size; page += vm.PageSize {
		if _, ok := a.allocated[page]; !ok {
			log.Panicf("frame: free of frame 0x%x that is not allocated", page)
		}

		delete(a.allocated, page)
		a.freeList = append(a.freeList, page)
	}
}

// IsAllocated reports whether the frame containing addr is handed out.
func (a *Allocator) IsAllocated(addr uint64) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	_, ok := a.allocated[alignDown(addr)]

	return ok
}

// InUse returns the number of bytes handed out.
func (a *Allocator) InUse() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()

	return uint64(len(a.allocated)) * vm.PageSize
}

// Total returns the number of bytes the allocator manages.
func (a *Allocator) Total() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.total
}

// Available returns the number of bytes that can still be handed out.
func (a *Allocator) Available() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.total - uint64(len(a.allocated))*vm.PageSize
}

func (a *Allocator) markAllocated(addr, size uint64) {
	for page := addr; page < addr+size; page += vm.PageSize {
		a.allocated[page] = struct{}{}
	}
}

func alignUp(addr uint64) uint64 {
	return (addr + vm.PageSize - 1) &^ (vm.PageSize - 1)
}

func alignDown(addr uint64) uint64 {
	return addr &^ (vm.PageSize - 1)
}
