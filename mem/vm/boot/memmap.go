package boot

import (
	"fmt"
	"strings"
)

// RegionType is the kind of a memory-map entry reported by the bootloader.
type RegionType int

// Region types, in the bootloader's numbering.
const (
	Usable RegionType = iota
	Reserved
	AcpiReclaimable
	AcpiNvs
	BadMemory
	BootloaderReclaimable
	KernelAndModules
	Framebuffer
)

var regionTypeNames = map[RegionType]string{
	Usable:                "Usable",
	Reserved:              "Reserved",
	AcpiReclaimable:       "ACPI Table Data (Reclaimable)",
	AcpiNvs:               "ACPI Non-volatile Storage",
	BadMemory:             "Damaged/Bad Memory",
	BootloaderReclaimable: "Bootloader Data (Reclaimable)",
	KernelAndModules:      "Kernel/Modules",
	Framebuffer:           "GPU Framebuffer",
}

var regionTypeKeys = map[string]RegionType{
	"usable":                 Usable,
	"reserved":               Reserved,
	"acpi_reclaimable":       AcpiReclaimable,
	"acpi_nvs":               AcpiNvs,
	"bad_memory":             BadMemory,
	"bootloader_reclaimable": BootloaderReclaimable,
	"kernel_and_modules":     KernelAndModules,
	"framebuffer":            Framebuffer,
}

func (t RegionType) String() string {
	name, ok := regionTypeNames[t]
	if !ok {
		return fmt.Sprintf("Unknown(%d)", int(t))
	}

	return name
}

// ParseRegionType maps a key such as "usable" or "kernel_and_modules" to its
// region type.
func ParseRegionType(key string) (RegionType, error) {
	t, ok := regionTypeKeys[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return 0, fmt.Errorf("boot: unknown region type %q", key)
	}

	return t, nil
}

// A MemoryMapEntry is one range of the bootloader's physical memory map.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

// End returns the first address past the entry.
func (e MemoryMapEntry) End() uint64 {
	return e.Base + e.Length
}
