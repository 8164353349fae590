package frame

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Talon396/owlOS/mem/vm"
)

var _ = Describe("Allocator", func() {
	var a *Allocator

	BeforeEach(func() {
		a = NewAllocator()
		Expect(a.Setup([]vm.Region{
			{Base: 0, Length: 4 * vm.PageSize},
			{Base: 0x10010, Length: 3 * vm.PageSize},
		})).To(Succeed())
	})

	It("should only set up once", func() {
		Expect(a.Setup(nil)).To(MatchError(ErrAlreadySetup))
	})

	It("should skip frame 0 and trim regions to whole frames", func() {
		Expect(a.regions).To(HaveLen(2))
		Expect(a.regions[0].base).To(Equal(uint64(vm.PageSize)))
		Expect(a.regions[1].base).To(Equal(uint64(0x11000)))
		Expect(a.regions[1].end).To(Equal(uint64(0x13000)))
		Expect(a.Total()).To(Equal(uint64(5 * vm.PageSize)))
	})

	It("should hand out frames in address order", func() {
		first, ok := a.Allocate(vm.PageSize)
		Expect(ok).To(BeTrue())
		second, ok := a.Allocate(vm.PageSize)
		Expect(ok).To(BeTrue())

		Expect(first).To(Equal(uint64(0x1000)))
		Expect(second).To(Equal(uint64(0x2000)))
		Expect(a.IsAllocated(0x1fff)).To(BeTrue())
		Expect(a.InUse()).To(Equal(uint64(2 * vm.PageSize)))
	})

	It("should reuse freed frames first", func() {
		first, _ := a.Allocate(vm.PageSize)
		_, _ = a.Allocate(vm.PageSize)

		a.Free(first, vm.PageSize)
		Expect(a.IsAllocated(first)).To(BeFalse())

		again, ok := a.Allocate(vm.PageSize)
		Expect(ok).To(BeTrue())
		Expect(again).To(Equal(first))
	})

	It("should carve contiguous runs from the next region that fits", func() {
		_, _ = a.Allocate(2 * vm.PageSize)

		run, ok := a.Allocate(2 * vm.PageSize)

		Expect(ok).To(BeTrue())
		Expect(run).To(Equal(uint64(0x11000)))
	})

	It("should report exhaustion", func() {
		for i := 0; i < 5; i++ {
			_, ok := a.Allocate(vm.PageSize)
			Expect(ok).To(BeTrue())
		}

		_, ok := a.Allocate(vm.PageSize)
		Expect(ok).To(BeFalse())
		Expect(a.Available()).To(BeZero())
	})

	It("should panic on double free", func() {
		addr, _ := a.Allocate(vm.PageSize)
		a.Free(addr, vm.PageSize)

		Expect(func() { a.Free(addr, vm.PageSize) }).To(Panic())
	})

	It("should panic on freeing a frame it never handed out", func() {
		Expect(func() { a.Free(0x3000, vm.PageSize) }).To(Panic())
	})

	It("should panic on unaligned free", func() {
		addr, _ := a.Allocate(vm.PageSize)
		Expect(func() { a.Free(addr+8, vm.PageSize) }).To(Panic())
	})
})
