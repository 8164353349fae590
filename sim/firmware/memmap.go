// Package firmware models what the bootloader hands to the kernel: a
// physical memory map and a set of page tables.
package firmware

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Talon396/owlOS/mem/vm"
	"github.com/Talon396/owlOS/mem/vm/boot"
)

type memoryMapFile struct {
	Regions []regionEntry `yaml:"regions"`
}

type regionEntry struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	Type   string `yaml:"type"`
}

// LoadMemoryMap reads a YAML memory map from a file.
func LoadMemoryMap(path string) ([]boot.MemoryMapEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	mmap, err := ParseMemoryMap(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return mmap, nil
}

// ParseMemoryMap decodes a YAML memory map such as
//
//	regions:
//	  - {base: 0x1000, length: 0x9e000, type: usable}
//	  - {base: 0x100000, length: 0x300000, type: kernel_and_modules}
//
// Entries are returned sorted by base and must not overlap.
func ParseMemoryMap(data []byte) ([]boot.MemoryMapEntry, error) {
	var file memoryMapFile

	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("firmware: parse memory map: %w", err)
	}

	mmap := make([]boot.MemoryMapEntry, 0, len(file.Regions))

	for i, r := range file.Regions {
		t, err := boot.ParseRegionType(r.Type)
		if err != nil {
			return nil, fmt.Errorf("firmware: region %d: %w", i, err)
		}

		if r.Length == 0 {
			return nil, fmt.Errorf("firmware: region %d is empty", i)
		}

		mmap = append(mmap, boot.MemoryMapEntry{Base: r.Base, Length: r.Length, Type: t})
	}

	sort.Slice(mmap, func(i, j int) bool { return mmap[i].Base < mmap[j].Base })

	for i := 1; i < len(mmap); i++ {
		if mmap[i].Base < mmap[i-1].End() {
			return nil, fmt.Errorf("firmware: region at 0x%x overlaps region at 0x%x",
				mmap[i].Base, mmap[i-1].Base)
		}
	}

	return mmap, nil
}

// DefaultMemoryMap lays out a PC-like machine with physBytes of RAM: the low
// 640KiB usable, the kernel image at 1MiB, the boot tables right after it, the
// rest usable except for ACPI tables in the top megabyte.
func DefaultMemoryMap(physBytes uint64) ([]boot.MemoryMapEntry, error) {
	if physBytes < MinPhysBytes {
		return nil, fmt.Errorf("firmware: %d bytes of memory, need at least %d",
			physBytes, MinPhysBytes)
	}

	top := physBytes &^ (vm.PageSize - 1)

	return []boot.MemoryMapEntry{
		{Base: 0, Length: 0x1000, Type: boot.Reserved},
		{Base: 0x1000, Length: 0x9e000, Type: boot.Usable},
		{Base: 0x9f000, Length: 0x61000, Type: boot.Reserved},
		{Base: KernelPhysBase, Length: KernelLength, Type: boot.KernelAndModules},
		{Base: TableAreaBase, Length: TableAreaLength, Type: boot.BootloaderReclaimable},
		{Base: usableBase, Length: top - 0x100000 - usableBase, Type: boot.Usable},
		{Base: top - 0x100000, Length: 0x100000, Type: boot.AcpiReclaimable},
	}, nil
}
