package cpu

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Talon396/owlOS/mem/vm"
	"github.com/Talon396/owlOS/sim/physmem"
)

const (
	rootTable = 0x1000
	l3Table   = 0x2000
	l2Table   = 0x3000
	leafTable = 0x4000
	pageA     = 0x10000
	pageB     = 0x20000
)

var _ = Describe("Core", func() {
	var (
		mem   *physmem.Storage
		core  *Core
		vaddr uint64
	)

	setEntry := func(table uint64, slot int, e vm.Entry) {
		var data [8]byte
		binary.LittleEndian.PutUint64(data[:], uint64(e))
		Expect(mem.Write(table+uint64(slot)*8, data[:])).To(Succeed())
	}

	getEntry := func(table uint64, slot int) vm.Entry {
		data, err := mem.Read(table+uint64(slot)*8, 8)
		Expect(err).NotTo(HaveOccurred())

		return vm.Entry(binary.LittleEndian.Uint64(data))
	}

	link := vm.FlagPresent | vm.FlagWritable | vm.FlagUser

	BeforeEach(func() {
		mem = physmem.NewStorage(1 << 24)
		core = MakeBuilder().WithMemory(mem).WithNumSets(4).WithNumWays(2).Build("Core0")

		vaddr = vm.Compose(1, 2, 3, 4)
		setEntry(rootTable, 1, vm.MakeEntry(l3Table, link))
		setEntry(l3Table, 2, vm.MakeEntry(l2Table, link))
		setEntry(l2Table, 3, vm.MakeEntry(leafTable, link))
		setEntry(leafTable, 4, vm.MakeEntry(pageA, vm.FlagPresent|vm.FlagWritable|vm.FlagUser))

		core.LoadTranslationBase(rootTable)
	})

	It("should translate through the tables", func() {
		paddr, err := core.Translate(vaddr+0x123, 0)

		Expect(err).NotTo(HaveOccurred())
		Expect(paddr).To(Equal(uint64(pageA + 0x123)))
		Expect(getEntry(leafTable, 4).HasFlags(vm.FlagAccessed)).To(BeTrue())
		Expect(getEntry(leafTable, 4).HasFlags(vm.FlagDirty)).To(BeFalse())
		Expect(core.Stats().Misses).To(Equal(uint64(1)))
	})

	It("should hit the TLB on the second access", func() {
		_, _ = core.Translate(vaddr, 0)
		_, _ = core.Translate(vaddr+8, 0)

		Expect(core.Stats().Hits).To(Equal(uint64(1)))
		Expect(core.CachedTranslations()).To(Equal(1))
	})

	It("should set dirty on write", func() {
		_, _ = core.Translate(vaddr, 0)
		_, err := core.Translate(vaddr, AccessWrite)

		Expect(err).NotTo(HaveOccurred())
		Expect(getEntry(leafTable, 4).HasFlags(vm.FlagDirty)).To(BeTrue())
	})

	It("should fault on a missing level", func() {
		_, err := core.Translate(vm.Compose(1, 2, 4, 0), 0)

		var fault *PageFault
		Expect(err).To(BeAssignableToTypeOf(fault))
		fault = err.(*PageFault)
		Expect(fault.Reason).To(Equal(FaultNotPresent))
		Expect(fault.Level).To(Equal(vm.LevelL2))
	})

	It("should fault on a non-canonical address", func() {
		_, err := core.Translate(0x0000_8000_0000_0000, 0)

		Expect(err.(*PageFault).Reason).To(Equal(FaultNonCanonical))
	})

	It("should fault on writing a read-only page", func() {
		setEntry(leafTable, 4, vm.MakeEntry(pageA, vm.FlagPresent|vm.FlagUser))

		_, err := core.Translate(vaddr, AccessWrite)

		Expect(err.(*PageFault).Reason).To(Equal(FaultProtection))
		Expect(getEntry(leafTable, 4).HasFlags(vm.FlagDirty)).To(BeFalse())
	})

	It("should fault on user access when any level lacks User", func() {
		setEntry(l3Table, 2, vm.MakeEntry(l2Table, vm.FlagPresent|vm.FlagWritable))

		_, err := core.Translate(vaddr, AccessUser)
		Expect(err.(*PageFault).Reason).To(Equal(FaultProtection))

		_, err = core.Translate(vaddr, 0)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should fault on executing a no-execute page", func() {
		setEntry(leafTable, 4,
			vm.MakeEntry(pageA, vm.FlagPresent|vm.FlagNoExecute))

		_, err := core.Translate(vaddr, AccessExecute)

		Expect(err.(*PageFault).Reason).To(Equal(FaultProtection))
	})

	It("should keep using a stale translation until invalidated", func() {
		_, _ = core.Translate(vaddr, 0)
		setEntry(leafTable, 4, vm.MakeEntry(pageB, vm.FlagPresent|vm.FlagWritable))

		paddr, _ := core.Translate(vaddr, 0)
		Expect(paddr).To(Equal(uint64(pageA)))

		core.InvalidatePage(vaddr)

		paddr, _ = core.Translate(vaddr, 0)
		Expect(paddr).To(Equal(uint64(pageB)))
	})

	It("should keep global entries across a switch but not across FlushAll", func() {
		setEntry(leafTable, 4,
			vm.MakeEntry(pageA, vm.FlagPresent|vm.FlagWritable|vm.FlagGlobal))
		setEntry(leafTable, 5, vm.MakeEntry(pageB, vm.FlagPresent|vm.FlagWritable))

		_, _ = core.Translate(vaddr, 0)
		_, _ = core.Translate(vaddr+vm.PageSize, 0)
		Expect(core.CachedTranslations()).To(Equal(2))

		core.LoadTranslationBase(rootTable)
		Expect(core.CachedTranslations()).To(Equal(1))

		core.FlushAll()
		Expect(core.CachedTranslations()).To(Equal(0))
		Expect(core.Stats().Flushes).To(Equal(uint64(1)))
	})

	It("should translate a 2MiB page", func() {
		setEntry(l2Table, 5, vm.MakeEntry(0x200000,
			vm.FlagPresent|vm.FlagWritable|vm.FlagHuge))

		paddr, err := core.Translate(vm.Compose(1, 2, 5, 0)+0x1234, 0)

		Expect(err).NotTo(HaveOccurred())
		Expect(paddr).To(Equal(uint64(0x201234)))

		core.InvalidatePage(vm.Compose(1, 2, 5, 7))
		Expect(core.CachedTranslations()).To(Equal(0))
	})

	It("should read and write through the current translation", func() {
		setEntry(leafTable, 5, vm.MakeEntry(pageB, vm.FlagPresent|vm.FlagWritable))

		data := []byte{1, 2, 3, 4, 5, 6}
		Expect(core.Write(vaddr+vm.PageSize-3, data)).To(Succeed())

		got, err := core.Read(vaddr+vm.PageSize-3, 6)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(data))

		raw, _ := mem.Read(pageB, 3)
		Expect(raw).To(Equal([]byte{4, 5, 6}))
	})

	It("should check user permission in user mode", func() {
		setEntry(leafTable, 4, vm.MakeEntry(pageA, vm.FlagPresent|vm.FlagWritable))
		core.SetUserMode(true)

		_, err := core.Read(vaddr, 1)

		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Set", func() {
	entry := func(vBase uint64) tlbEntry {
		return tlbEntry{vBase: vBase, size: vm.PageSize}
	}

	It("should evict the least recently used way", func() {
		s := newSet(2)
		s.insert(entry(0x1000))
		s.insert(entry(0x2000))

		_, found := s.lookup(entry(0x1000).key())
		Expect(found).To(BeTrue())

		s.insert(entry(0x3000))

		_, found = s.lookup(entry(0x2000).key())
		Expect(found).To(BeFalse())
		_, found = s.lookup(entry(0x1000).key())
		Expect(found).To(BeTrue())
	})

	It("should replace an entry with the same key in place", func() {
		s := newSet(2)
		s.insert(entry(0x1000))
		s.insert(tlbEntry{vBase: 0x1000, size: vm.PageSize, pBase: 0x9000})

		e, found := s.lookup(entry(0x1000).key())
		Expect(found).To(BeTrue())
		Expect(e.pBase).To(Equal(uint64(0x9000)))
		Expect(s.keyWayMap).To(HaveLen(1))
	})
})
