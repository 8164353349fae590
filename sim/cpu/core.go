// Package cpu simulates one x86-64 core: the translation-base register, a
// TLB and the hardware page walker.
package cpu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/Talon396/owlOS/mem/vm"
)

// Access describes a memory access. The zero value is a supervisor read.
type Access uint8

// Access bits.
const (
	AccessWrite Access = 1 << iota
	AccessExecute
	AccessUser
)

func (a Access) String() string {
	kind := "read"

	switch {
	case a&AccessWrite != 0:
		kind = "write"
	case a&AccessExecute != 0:
		kind = "execute"
	}

	if a&AccessUser != 0 {
		return "user " + kind
	}

	return "supervisor " + kind
}

// FaultReason says why a translation failed.
type FaultReason int

// Fault reasons.
const (
	FaultNonCanonical FaultReason = iota
	FaultNotPresent
	FaultProtection
)

func (r FaultReason) String() string {
	switch r {
	case FaultNonCanonical:
		return "non-canonical address"
	case FaultNotPresent:
		return "page not present"
	default:
		return "protection violation"
	}
}

// A PageFault is the error of a failed translation.
type PageFault struct {
	VAddr  uint64
	Access Access
	Reason FaultReason

	// Level is the table level at which the walk stopped.
	Level int
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at 0x%x: %s on %s", f.VAddr, f.Reason, f.Access)
}

// Stats counts the work done by a core.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Faults        uint64
	Invalidations uint64
	Flushes       uint64
	Switches      uint64
}

// A Core is one simulated processor.
type Core struct {
	lock sync.Mutex

	name  string
	mem   vm.PhysicalMemory
	cr3   uint64
	tlb   *tlb
	user  bool
	stats Stats
}

// Name returns the name of the core.
func (c *Core) Name() string {
	return c.name
}

// LoadTranslationBase loads root into CR3. Non-global TLB entries are
// dropped.
func (c *Core) LoadTranslationBase(root uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.cr3 = root
	c.tlb.flush(true)
	c.stats.Switches++
}

// TranslationBase returns the value of CR3.
func (c *Core) TranslationBase() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.cr3
}

// InvalidatePage drops the TLB entries covering vaddr.
func (c *Core) InvalidatePage(vaddr uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.tlb.invalidate(vaddr)
	c.stats.Invalidations++
}

// FlushAll drops every TLB entry, global ones included.
func (c *Core) FlushAll() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.tlb.flush(false)
	c.stats.Flushes++
}

// SetUserMode switches the privilege level used by Read and Write.
func (c *Core) SetUserMode(user bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.user = user
}

// Stats returns the counters of the core.
func (c *Core) Stats() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.stats
}

// CachedTranslations returns the number of valid TLB entries.
func (c *Core) CachedTranslations() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.tlb.size()
}

// Translate returns the physical address of vaddr for an access. A TLB hit
// is trusted as is, so a table change is not seen until the entry is
// invalidated.
func (c *Core) Translate(vaddr uint64, access Access) (uint64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.translate(vaddr, access)
}

func (c *Core) translate(vaddr uint64, access Access) (uint64, error) {
	if !vm.IsCanonical(vaddr) {
		c.stats.Faults++
		return 0, &PageFault{VAddr: vaddr, Access: access, Reason: FaultNonCanonical}
	}

	e, hit := c.tlb.lookup(vaddr)
	if hit && (access&AccessWrite == 0 || e.flags&vm.FlagDirty != 0) {
		c.stats.Hits++
	} else {
		c.stats.Misses++

		var err error

		e, err = c.walk(vaddr, access)
		if err != nil {
			c.stats.Faults++
			return 0, err
		}
	}

	if violates(e.flags, access) {
		c.stats.Faults++
		return 0, &PageFault{VAddr: vaddr, Access: access, Reason: FaultProtection, Level: vm.LevelLeaf}
	}

	return e.pBase + (vaddr - e.vBase), nil
}

func violates(flags vm.EntryFlag, access Access) bool {
	switch {
	case access&AccessWrite != 0 && flags&vm.FlagWritable == 0:
		return true
	case access&AccessUser != 0 && flags&vm.FlagUser == 0:
		return true
	case access&AccessExecute != 0 && flags&vm.FlagNoExecute != 0:
		return true
	}

	return false
}

// walk reads the tables the way the MMU does. The effective Writable and User
// bits are the AND of every level, NoExecute the OR. The leaf gets Accessed,
// and Dirty on a write, when the access is allowed.
func (c *Core) walk(vaddr uint64, access Access) (tlbEntry, error) {
	table := c.cr3
	effective := vm.FlagWritable | vm.FlagUser

	for level := vm.LevelRoot; level <= vm.LevelLeaf; level++ {
		slot := table + uint64(vm.Index(vaddr, level))*8

		entry, err := c.readEntry(slot)
		if err != nil {
			return tlbEntry{}, err
		}

		if !entry.Present() {
			return tlbEntry{}, &PageFault{
				VAddr: vaddr, Access: access, Reason: FaultNotPresent, Level: level,
			}
		}

		effective &= entry.Flags() | ^(vm.FlagWritable | vm.FlagUser)
		effective |= entry.Flags() & vm.FlagNoExecute

		huge := entry.HasFlags(vm.FlagHuge) &&
			(level == vm.LevelL3 || level == vm.LevelL2)
		if level != vm.LevelLeaf && !huge {
			table = entry.Address()
			continue
		}

		size := vm.LevelSpan(level)
		e := tlbEntry{
			vBase:  vaddr &^ (size - 1),
			pBase:  entry.Address() &^ (size - 1),
			size:   size,
			global: entry.HasFlags(vm.FlagGlobal),
		}

		if violates(effective, access) {
			e.flags = effective

			return e, nil
		}

		entry = entry.SetFlags(vm.FlagAccessed)
		if access&AccessWrite != 0 {
			entry = entry.SetFlags(vm.FlagDirty)
		}

		if err := c.writeEntry(slot, entry); err != nil {
			return tlbEntry{}, err
		}

		e.flags = effective | entry.Flags()&(vm.FlagAccessed|vm.FlagDirty)
		c.tlb.insert(e)

		return e, nil
	}

	panic("unreachable")
}

func (c *Core) readEntry(addr uint64) (vm.Entry, error) {
	data, err := c.mem.Read(addr, 8)
	if err != nil {
		return 0, fmt.Errorf("cpu %s: read table entry 0x%x: %w", c.name, addr, err)
	}

	return vm.Entry(binary.LittleEndian.Uint64(data)), nil
}

func (c *Core) writeEntry(addr uint64, e vm.Entry) error {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], uint64(e))

	err := c.mem.Write(addr, data[:])
	if err != nil {
		return fmt.Errorf("cpu %s: write table entry 0x%x: %w", c.name, addr, err)
	}

	return nil
}

// Read reads length bytes at vaddr through the translation of the current
// address space.
func (c *Core) Read(vaddr, length uint64) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	res := make([]byte, 0, length)

	err := c.forEachPage(vaddr, length, 0, func(paddr, n uint64) error {
		data, err := c.mem.Read(paddr, n)
		res = append(res, data...)

		return err
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// Write writes data at vaddr through the translation of the current address
// space.
func (c *Core) Write(vaddr uint64, data []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	offset := uint64(0)

	return c.forEachPage(vaddr, uint64(len(data)), AccessWrite, func(paddr, n uint64) error {
		err := c.mem.Write(paddr, data[offset:offset+n])
		offset += n

		return err
	})
}

func (c *Core) forEachPage(
	vaddr, length uint64,
	access Access,
	f func(paddr, n uint64) error,
) error {
	if c.user {
		access |= AccessUser
	}

	for length > 0 {
		paddr, err := c.translate(vaddr, access)
		if err != nil {
			return err
		}

		n := min(length, vm.PageSize-vm.PageOffset(vaddr))
		if err := f(paddr, n); err != nil {
			return err
		}

		vaddr += n
		length -= n
	}

	return nil
}
