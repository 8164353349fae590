package vm

// A PageEntry is a handle to one leaf slot of an address space.
//
// A handle must not be used after its address space is destroyed or after
// its address is unmapped; neither is detected. Mutators do not invalidate
// the TLB, call Update when the change must be visible to the next access.
type PageEntry struct {
	space *AddressSpace
	leaf  Node
	slot  int
	vaddr uint64
}

func newPageEntry(as *AddressSpace, leaf Node, slot int, vaddr uint64) *PageEntry {
	return &PageEntry{
		space: as,
		leaf:  leaf,
		slot:  slot,
		vaddr: PageAlign(vaddr),
	}
}

// VAddr returns the page-aligned virtual address the handle is bound to.
func (p *PageEntry) VAddr() uint64 {
	return p.vaddr
}

// Raw returns the entry as stored in the table.
func (p *PageEntry) Raw() Entry {
	return p.leaf.Entry(p.slot)
}

// Accessed reports the Accessed bit.
func (p *PageEntry) Accessed() bool {
	return p.Raw().HasFlags(FlagAccessed)
}

// Dirty reports the Dirty bit.
func (p *PageEntry) Dirty() bool {
	return p.Raw().HasFlags(FlagDirty)
}

// Writable reports the Writable bit.
func (p *PageEntry) Writable() bool {
	return p.Raw().HasFlags(FlagWritable)
}

// Executable reports whether NoExecute is clear.
func (p *PageEntry) Executable() bool {
	return !p.Raw().HasFlags(FlagNoExecute)
}

// User reports the UserAccessible bit.
func (p *PageEntry) User() bool {
	return p.Raw().HasFlags(FlagUser)
}

// Present reports the Present bit.
func (p *PageEntry) Present() bool {
	return p.Raw().HasFlags(FlagPresent)
}

// Target returns the physical frame the entry points to.
func (p *PageEntry) Target() uint64 {
	return p.Raw().Address()
}

// ClearAccessed clears the Accessed bit.
func (p *PageEntry) ClearAccessed() {
	p.setFlag(FlagAccessed, false)
}

// ClearDirty clears the Dirty bit.
func (p *PageEntry) ClearDirty() {
	p.setFlag(FlagDirty, false)
}

// SetWritable sets or clears the Writable bit.
func (p *PageEntry) SetWritable(value bool) {
	p.setFlag(FlagWritable, value)
}

// SetExecutable clears NoExecute when value is true and sets it otherwise.
func (p *PageEntry) SetExecutable(value bool) {
	p.setFlag(FlagNoExecute, !value)
}

// SetUser sets or clears the UserAccessible bit.
func (p *PageEntry) SetUser(value bool) {
	p.setFlag(FlagUser, value)
}

// SetPresent sets or clears the Present bit.
func (p *PageEntry) SetPresent(value bool) {
	p.setFlag(FlagPresent, value)
}

// SetTarget points the entry at another frame, keeping its flags.
func (p *PageEntry) SetTarget(target uint64) {
	p.leaf.Update(p.slot, func(e Entry) Entry {
		return e.SetAddress(target)
	})
}

// Update invalidates the handle's address in the local TLB.
func (p *PageEntry) Update() {
	p.space.kernel.cpu.InvalidatePage(p.vaddr)
}

func (p *PageEntry) setFlag(flag EntryFlag, value bool) {
	p.leaf.Update(p.slot, func(e Entry) Entry {
		return e.WithFlag(flag, value)
	})
}
