package vm

import (
	"errors"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/Talon396/owlOS/sim/hooking"
	"github.com/Talon396/owlOS/sim/physmem"
)

const (
	bootRoot     = 0x1000
	bootKernelL3 = 0x2000
	bootImageL3  = 0x3000
	firstFrame   = 0x100000
)

var _ = ginkgo.Describe("Kernel", func() {
	var (
		mockCtrl *gomock.Controller
		mem      *physmem.Storage
		frames   *MockFrameAllocator
		cpu      *MockCPU
		kernel   *Kernel

		next   uint64
		budget int
		freed  map[uint64]int
	)

	ginkgo.BeforeEach(func() {
		mockCtrl = gomock.NewController(ginkgo.GinkgoT())
		mem = physmem.NewStorage(1 << 26)
		frames = NewMockFrameAllocator(mockCtrl)
		cpu = NewMockCPU(mockCtrl)

		next = firstFrame
		budget = 1 << 20
		freed = make(map[uint64]int)

		frames.EXPECT().Allocate(uint64(PageSize)).
			DoAndReturn(func(uint64) (uint64, bool) {
				if budget == 0 {
					return 0, false
				}

				budget--
				addr := next
				next += PageSize

				return addr, true
			}).
			AnyTimes()
		frames.EXPECT().Free(gomock.Any(), uint64(PageSize)).
			Do(func(addr, _ uint64) { freed[addr]++ }).
			AnyTimes()
		cpu.EXPECT().TranslationBase().Return(uint64(0)).AnyTimes()

		kernel = MakeBuilder().
			WithMemory(mem).
			WithFrameAllocator(frames).
			WithCPU(cpu).
			Build()

		root := NodeAt(mem, bootRoot)
		root.SetEntry(KernelHalfStart, MakeEntry(bootKernelL3, FlagPresent|FlagWritable))
		root.SetEntry(511, MakeEntry(bootImageL3, FlagPresent|FlagWritable))
		NodeAt(mem, bootKernelL3).SetEntry(5,
			MakeEntry(0x4000_0000, FlagPresent|FlagWritable|FlagHuge))
	})

	ginkgo.AfterEach(func() {
		mockCtrl.Finish()
	})

	publish := func() {
		Expect(kernel.PublishBootTable(bootRoot)).To(Succeed())
	}

	newSpace := func() *AddressSpace {
		as, err := kernel.NewAddressSpace()
		Expect(err).NotTo(HaveOccurred())

		return as
	}

	ginkgo.Context("before the boot table is published", func() {
		ginkgo.It("should refuse to create address spaces", func() {
			_, err := kernel.NewAddressSpace()

			Expect(err).To(MatchError(ErrNotBooted))
			Expect(next).To(Equal(uint64(firstFrame)))
		})
	})

	ginkgo.Context("single assignment", func() {
		ginkgo.It("should publish the boot table once", func() {
			publish()

			Expect(kernel.PublishBootTable(0x9000)).To(MatchError(ErrAlreadyPublished))
			root, ok := kernel.BootTable()
			Expect(ok).To(BeTrue())
			Expect(root).To(Equal(uint64(bootRoot)))
		})

		ginkgo.It("should install the canonical space once", func() {
			publish()
			as := newSpace()

			Expect(kernel.InstallCanonical(as)).To(Succeed())
			Expect(kernel.InstallCanonical(as)).To(MatchError(ErrCanonicalInstalled))
			Expect(kernel.Canonical()).To(BeIdenticalTo(as))
		})
	})

	ginkgo.Context("after the boot table is published", func() {
		ginkgo.BeforeEach(func() {
			publish()
		})

		ginkgo.It("should share the kernel half of the boot table", func() {
			as := newSpace()

			for slot := KernelHalfStart; slot < EntriesPerNode; slot++ {
				Expect(as.RootNode().Entry(slot)).
					To(Equal(NodeAt(mem, bootRoot).Entry(slot)))
			}

			for slot := 0; slot < KernelHalfStart; slot++ {
				Expect(as.RootNode().Entry(slot).Present()).To(BeFalse())
			}

			Expect(as.Link(KernelHalfStart)).
				To(Equal(SubtreeLink{Kind: LinkAliased, Source: KernelLinkSource}))
			Expect(as.Link(300).Kind).To(Equal(LinkUnlinked))
		})

		ginkgo.It("should register spaces in creation order", func() {
			a := newSpace()
			b := newSpace()

			found, ok := kernel.Lookup(b.ID())
			Expect(ok).To(BeTrue())
			Expect(found).To(BeIdenticalTo(b))
			Expect(kernel.Spaces()).To(Equal([]*AddressSpace{a, b}))
		})

		ginkgo.It("should report exhaustion when the root cannot be allocated", func() {
			budget = 0

			_, err := kernel.NewAddressSpace()

			Expect(errors.Is(err, ErrExhausted)).To(BeTrue())
			Expect(kernel.Spaces()).To(BeEmpty())
		})

		ginkgo.Describe("Map", func() {
			var as *AddressSpace
			vaddr := Compose(3, 4, 5, 6) + 0x10

			ginkgo.BeforeEach(func() {
				as = newSpace()
			})

			ginkgo.It("should build the missing levels and invalidate once", func() {
				cpu.EXPECT().InvalidatePage(vaddr).Times(1)

				entry, err := as.Map(vaddr, 0x7000)

				Expect(err).NotTo(HaveOccurred())
				Expect(entry.VAddr()).To(Equal(PageAlign(vaddr)))
				Expect(entry.Target()).To(Equal(uint64(0x7000)))
				Expect(entry.Raw().Flags()).
					To(Equal(FlagPresent | FlagWritable | FlagNoExecute))
				Expect(next).To(Equal(uint64(firstFrame + 4*PageSize)))

				link := as.RootNode().Entry(3)
				Expect(link.Flags()).To(Equal(FlagPresent | FlagWritable | FlagUser))
				Expect(as.Link(3).Kind).To(Equal(LinkOwned))
			})

			ginkgo.It("should reject non-canonical addresses", func() {
				_, err := as.Map(0x0000_8000_0000_0000, 0x7000)

				Expect(err).To(MatchError(ErrNonCanonical))
			})

			ginkgo.It("should report exhaustion in the middle of a walk", func() {
				budget = 1

				_, err := as.Map(vaddr, 0x7000)

				Expect(err).To(MatchError(ErrExhausted))
				_, found := as.GetEntry(vaddr)
				Expect(found).To(BeFalse())
			})

			ginkgo.It("should overwrite a previous mapping without freeing it", func() {
				cpu.EXPECT().InvalidatePage(vaddr).Times(2)

				_, err := as.Map(vaddr, 0x7000)
				Expect(err).NotTo(HaveOccurred())
				_, err = as.Map(vaddr, 0x8000)
				Expect(err).NotTo(HaveOccurred())

				paddr, ok := as.Translate(vaddr)
				Expect(ok).To(BeTrue())
				Expect(paddr).To(Equal(uint64(0x8010)))
				Expect(freed).To(BeEmpty())
			})

			ginkgo.It("should map into a populated kernel-half slot without User", func() {
				kvaddr := Compose(KernelHalfStart, 7, 0, 0)
				cpu.EXPECT().InvalidatePage(kvaddr)

				_, err := as.Map(kvaddr, 0x7000)

				Expect(err).NotTo(HaveOccurred())
				shared := NodeAt(mem, bootKernelL3).Entry(7)
				Expect(shared.Present()).To(BeTrue())
				Expect(shared.HasFlags(FlagUser)).To(BeFalse())
			})

			ginkgo.It("should refuse an unpopulated kernel-half slot", func() {
				_, err := as.Map(Compose(300, 0, 0, 0), 0x7000)

				Expect(err).To(MatchError(ErrKernelHalfUnpopulated))
			})

			ginkgo.It("should refuse addresses covered by a huge page", func() {
				hvaddr := Compose(KernelHalfStart, 5, 3, 0)

				_, err := as.Map(hvaddr, 0x7000)

				Expect(err).To(MatchError(ErrHugePage))
				_, found := as.GetEntry(hvaddr)
				Expect(found).To(BeFalse())
			})
		})

		ginkgo.Describe("Unmap", func() {
			var as *AddressSpace
			vaddr := Compose(1, 0, 0, 9)

			ginkgo.BeforeEach(func() {
				as = newSpace()
			})

			ginkgo.It("should do nothing for an address that was never mapped", func() {
				Expect(as.Unmap(vaddr)).To(Succeed())
				Expect(as.Unmap(Compose(1, 2, 3, 4))).To(Succeed())
			})

			ginkgo.It("should clear the leaf and invalidate once", func() {
				cpu.EXPECT().InvalidatePage(vaddr).Times(2)
				_, err := as.Map(vaddr, 0x7000)
				Expect(err).NotTo(HaveOccurred())

				Expect(as.Unmap(vaddr)).To(Succeed())
				Expect(as.Unmap(vaddr)).To(Succeed())

				_, found := as.GetEntry(vaddr)
				Expect(found).To(BeFalse())
				Expect(freed).To(BeEmpty())
			})

			ginkgo.It("should reject non-canonical addresses", func() {
				Expect(as.Unmap(0x00ff_0000_0000_0000)).To(MatchError(ErrNonCanonical))
			})
		})

		ginkgo.Describe("GetEntry", func() {
			ginkgo.It("should report non-canonical addresses as absent", func() {
				as := newSpace()

				_, found := as.GetEntry(0x00ff_0000_0000_0000)

				Expect(found).To(BeFalse())
			})
		})

		ginkgo.Describe("Switch and Flush", func() {
			ginkgo.It("should load the root and flush the local core", func() {
				as := newSpace()
				cpu.EXPECT().LoadTranslationBase(as.Root())
				cpu.EXPECT().FlushAll()

				as.Switch()
				as.Flush()
			})
		})

		ginkgo.Describe("destruction", func() {
			var as *AddressSpace

			ginkgo.BeforeEach(func() {
				as = newSpace()
				cpu.EXPECT().InvalidatePage(gomock.Any()).AnyTimes()
			})

			ginkgo.It("should free owned tables, leaf frames and the root", func() {
				_, err := as.Map(Compose(2, 0, 0, 0), 0x7000)
				Expect(err).NotTo(HaveOccurred())
				_, err = as.Map(Compose(2, 0, 0, 1), 0x8000)
				Expect(err).NotTo(HaveOccurred())

				root := as.Root()
				as.Release()

				Expect(as.Destroyed()).To(BeTrue())
				Expect(freed).To(HaveLen(6))
				Expect(freed).To(HaveKeyWithValue(root, 1))
				Expect(freed).To(HaveKey(uint64(0x7000)))
				Expect(freed).To(HaveKey(uint64(0x8000)))
				_, found := kernel.Lookup(as.ID())
				Expect(found).To(BeFalse())
			})

			ginkgo.It("should never free the kernel half", func() {
				_, err := as.Map(Compose(KernelHalfStart, 7, 0, 0), 0x7000)
				Expect(err).NotTo(HaveOccurred())

				as.Release()

				Expect(freed).To(HaveLen(1))
				Expect(NodeAt(mem, bootKernelL3).Entry(7).Present()).To(BeTrue())
			})

			ginkgo.It("should skip slots marked NoFree", func() {
				_, err := as.Map(Compose(4, 0, 0, 0), 0x7000)
				Expect(err).NotTo(HaveOccurred())
				as.RootNode().Update(4, func(e Entry) Entry { return e.SetFlags(FlagNoFree) })

				as.Release()

				Expect(freed).To(HaveLen(1))
			})

			ginkgo.It("should refuse an explicit destroy while shared", func() {
				as.Retain()

				Expect(func() { as.Destroy() }).To(Panic())

				as.Release()
				as.Destroy()
				Expect(as.Destroyed()).To(BeTrue())
			})

			ginkgo.It("should only destroy on the last release", func() {
				as.Retain()

				as.Release()
				Expect(as.Destroyed()).To(BeFalse())

				as.Release()
				Expect(as.Destroyed()).To(BeTrue())
			})

			ginkgo.It("should panic on releasing a destroyed space", func() {
				as.Release()

				Expect(func() { as.Release() }).To(Panic())
				Expect(func() { _, _ = as.Map(0x1000, 0x7000) }).To(Panic())
			})
		})

		ginkgo.It("should panic on destroying the active space", func() {
			ctrl := gomock.NewController(ginkgo.GinkgoT())
			activeCPU := NewMockCPU(ctrl)
			k := MakeBuilder().WithMemory(mem).WithFrameAllocator(frames).WithCPU(activeCPU).Build()
			Expect(k.PublishBootTable(bootRoot)).To(Succeed())

			as, err := k.NewAddressSpace()
			Expect(err).NotTo(HaveOccurred())
			activeCPU.EXPECT().TranslationBase().Return(as.Root())

			Expect(func() { as.Release() }).To(Panic())
		})
	})

	ginkgo.It("should panic when a table frame cannot be accessed", func() {
		ctrl := gomock.NewController(ginkgo.GinkgoT())
		brokenMem := NewMockPhysicalMemory(ctrl)
		brokenMem.EXPECT().Write(gomock.Any(), gomock.Any()).
			Return(physmem.ErrOutOfRange).AnyTimes()

		k := MakeBuilder().WithMemory(brokenMem).WithFrameAllocator(frames).WithCPU(cpu).Build()
		Expect(k.PublishBootTable(bootRoot)).To(Succeed())

		Expect(func() { _, _ = k.NewAddressSpace() }).To(Panic())
	})

	ginkgo.It("should invoke hooks with the address space", func() {
		publish()

		var positions []*hooking.HookPos
		hook := hooking.HookFunc(func(ctx hooking.HookCtx) {
			positions = append(positions, ctx.Pos)
			Expect(ctx.Domain).To(BeIdenticalTo(kernel))
			Expect(ctx.Item).To(BeAssignableToTypeOf(&AddressSpace{}))
		})
		kernel.AcceptHook(&hook)

		as := newSpace()
		cpu.EXPECT().InvalidatePage(gomock.Any()).Times(2)
		_, err := as.Map(0x1000, 0x7000)
		Expect(err).NotTo(HaveOccurred())
		Expect(as.Unmap(0x1000)).To(Succeed())
		as.Release()

		Expect(positions[:3]).To(Equal([]*hooking.HookPos{
			HookPosCreate, HookPosMap, HookPosUnmap,
		}))
		Expect(positions[len(positions)-1]).To(Equal(HookPosDestroy))

		frees := positions[3 : len(positions)-1]
		Expect(frees).NotTo(BeEmpty())
		for _, pos := range frees {
			Expect(pos).To(Equal(HookPosFrameFree))
		}
	})
})
