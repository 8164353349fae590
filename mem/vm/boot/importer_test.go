package boot_test

import (
	"bytes"
	"errors"
	"fmt"
	"log"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Talon396/owlOS/mem/frame"
	"github.com/Talon396/owlOS/mem/vm"
	"github.com/Talon396/owlOS/mem/vm/boot"
	"github.com/Talon396/owlOS/sim/cpu"
	"github.com/Talon396/owlOS/sim/firmware"
	"github.com/Talon396/owlOS/sim/physmem"
)

const physBytes = 64 << 20

type failingSetup struct{}

func (failingSetup) Setup([]vm.Region) error {
	return errors.New("no memory for you")
}

func forEachKernelHalfEntry(mem vm.PhysicalMemory, root uint64, f func(e vm.Entry)) {
	var visit func(node vm.Node, level int)
	visit = func(node vm.Node, level int) {
		for i, e := range node.Entries() {
			if level == vm.LevelRoot && i < vm.KernelHalfStart {
				continue
			}

			if !e.Present() {
				continue
			}

			f(e)

			if level != vm.LevelLeaf && !e.HasFlags(vm.FlagHuge) {
				visit(node.Child(i), level+1)
			}
		}
	}

	visit(vm.NodeAt(mem, root), vm.LevelRoot)
}

var _ = Describe("Importer", func() {
	var (
		mem      *physmem.Storage
		frames   *frame.Allocator
		core     *cpu.Core
		kernel   *vm.Kernel
		logs     *bytes.Buffer
		tables   *firmware.Tables
		mmap     []boot.MemoryMapEntry
		importer *boot.Importer
	)

	BeforeEach(func() {
		var err error

		mem = physmem.NewStorage(physBytes)
		frames = frame.NewAllocator()
		core = cpu.MakeBuilder().WithMemory(mem).Build("Core0")
		logs = new(bytes.Buffer)

		kernel = vm.MakeBuilder().
			WithMemory(mem).
			WithFrameAllocator(frames).
			WithCPU(core).
			WithLogger(log.New(logs, "", 0)).
			WithDirectMapOffset(firmware.DirectMapOffset).
			Build()

		tables, err = firmware.BuildBootTables(mem, firmware.DefaultLayout(physBytes))
		Expect(err).NotTo(HaveOccurred())
		core.LoadTranslationBase(tables.Root)

		mmap, err = firmware.DefaultMemoryMap(physBytes)
		Expect(err).NotTo(HaveOccurred())

		importer = boot.NewImporter(kernel, frames)
	})

	It("should hand the usable regions to the allocator", func() {
		report, err := importer.Import(mmap, tables.Root)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Regions).To(Equal([]vm.Region{
			{Base: 0x1000, Length: 0x9e000},
			{Base: 0x800000, Length: physBytes - 0x100000 - 0x800000},
		}))
		Expect(report.Dropped).To(BeZero())
		Expect(frames.Total()).To(Equal(uint64(0x9e000 + physBytes - 0x900000)))
	})

	It("should account for the kernel image", func() {
		report, err := importer.Import(mmap, tables.Root)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Used).To(Equal(uint64(firmware.KernelLength)))
		Expect(report.Total).To(Equal(uint64(firmware.KernelLength)))
		Expect(importer.Accounting().Used()).To(Equal(report.Used))
	})

	It("should strip user access from the kernel half and flush once", func() {
		userBefore := 0
		forEachKernelHalfEntry(mem, tables.Root, func(e vm.Entry) {
			if e.HasFlags(vm.FlagUser) {
				userBefore++
			}
		})
		flushes := core.Stats().Flushes

		report, err := importer.Import(mmap, tables.Root)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Hardened).To(Equal(userBefore))
		forEachKernelHalfEntry(mem, tables.Root, func(e vm.Entry) {
			Expect(e.HasFlags(vm.FlagUser)).To(BeFalse())
		})
		Expect(core.Stats().Flushes - flushes).To(Equal(uint64(1)))

		_, err = core.Translate(firmware.DirectMapOffset, cpu.AccessUser)
		Expect(err).To(HaveOccurred())
	})

	It("should leave the low half of the boot table alone", func() {
		before := vm.NodeAt(mem, tables.Root).Entry(0)

		_, err := importer.Import(mmap, tables.Root)

		Expect(err).NotTo(HaveOccurred())
		Expect(vm.NodeAt(mem, tables.Root).Entry(0)).To(Equal(before))
	})

	It("should install and activate the canonical address space", func() {
		report, err := importer.Import(mmap, tables.Root)

		Expect(err).NotTo(HaveOccurred())
		canonical := report.Canonical
		Expect(kernel.Canonical()).To(BeIdenticalTo(canonical))
		Expect(core.TranslationBase()).To(Equal(canonical.Root()))

		link := canonical.Link(vm.LowWindowSlot)
		Expect(link.Kind).To(Equal(vm.LinkAliased))
		Expect(link.Source).To(Equal(vm.BootLinkSource))
		Expect(canonical.RootNode().Entry(vm.LowWindowSlot).HasFlags(vm.FlagNoFree)).
			To(BeTrue())

		bootRoot := vm.NodeAt(mem, tables.Root)
		for slot := vm.KernelHalfStart; slot < vm.EntriesPerNode; slot++ {
			Expect(canonical.RootNode().Entry(slot)).To(Equal(bootRoot.Entry(slot)))
		}
	})

	It("should reach physical memory at low addresses through the canonical space", func() {
		_, err := importer.Import(mmap, tables.Root)
		Expect(err).NotTo(HaveOccurred())

		paddr, err := core.Translate(0x345678, cpu.AccessWrite)

		Expect(err).NotTo(HaveOccurred())
		Expect(paddr).To(Equal(uint64(0x345678)))
	})

	It("should log every region in direct-map addresses", func() {
		_, err := importer.Import(mmap, tables.Root)

		Expect(err).NotTo(HaveOccurred())
		Expect(logs.String()).To(ContainSubstring(
			"[mem 0xffff800000100000-0xffff800000400000] Kernel/Modules"))
		Expect(logs.String()).To(ContainSubstring(
			"[mem 0xffff800000001000-0xffff80000009f000] Usable"))
	})

	It("should import only once", func() {
		_, err := importer.Import(mmap, tables.Root)
		Expect(err).NotTo(HaveOccurred())

		_, err = importer.Import(mmap, tables.Root)
		Expect(err).To(MatchError(boot.ErrAlreadyImported))
	})

	It("should drop usable regions beyond the cap", func() {
		many := []boot.MemoryMapEntry{}
		for i := 0; i < boot.MaxUsableRegions+8; i++ {
			many = append(many, boot.MemoryMapEntry{
				Base:   0x800000 + uint64(i)*0x2000,
				Length: vm.PageSize,
				Type:   boot.Usable,
			})
		}

		report, err := importer.Import(many, tables.Root)

		Expect(err).NotTo(HaveOccurred())
		Expect(report.Regions).To(HaveLen(boot.MaxUsableRegions))
		Expect(report.Dropped).To(Equal(8))
		Expect(logs.String()).To(ContainSubstring(
			fmt.Sprintf("first %d ignored", boot.MaxUsableRegions)))
	})

	It("should report a failing region setup", func() {
		importer = boot.NewImporter(kernel, failingSetup{})

		_, err := importer.Import(mmap, tables.Root)

		Expect(err).To(MatchError(ContainSubstring("no memory for you")))
		Expect(kernel.Canonical()).To(BeNil())
	})

	It("should refuse a second published boot table", func() {
		Expect(kernel.PublishBootTable(tables.Root)).To(Succeed())

		_, err := importer.Import(mmap, tables.Root)

		Expect(err).To(MatchError(vm.ErrAlreadyPublished))
	})
})

var _ = Describe("RegionType", func() {
	It("should name every type", func() {
		Expect(boot.AcpiNvs.String()).To(Equal("ACPI Non-volatile Storage"))
		Expect(boot.RegionType(42).String()).To(Equal("Unknown(42)"))
	})

	It("should parse keys", func() {
		t, err := boot.ParseRegionType(" Bootloader_Reclaimable ")

		Expect(err).NotTo(HaveOccurred())
		Expect(t).To(Equal(boot.BootloaderReclaimable))
	})
})
