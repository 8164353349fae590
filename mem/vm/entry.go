package vm

import (
	"fmt"
	"strings"
)

// EntryFlag is a flag bit of a page-table entry.
type EntryFlag uint64

// Hardware flag bits of an x86-64 page-table entry, plus FlagNoFree which
// lives in a bit the MMU ignores.
const (
	FlagPresent EntryFlag = 1 << iota
	FlagWritable
	FlagUser
	FlagWriteThrough
	FlagNoCache
	FlagAccessed
	FlagDirty
	FlagHuge
	FlagGlobal

	// FlagNoFree marks a root entry whose subtree is owned by another address
	// space. Teardown never descends into it.
	FlagNoFree

	FlagNoExecute EntryFlag = 1 << 63
)

// addressMask selects bits 12-51, the frame address of an entry.
const addressMask = uint64(0x000f_ffff_ffff_f000)

// linkFlags are the flags of an entry that points to a lower-level node.
const linkFlags = FlagPresent | FlagWritable | FlagUser

// leafFlags are the flags Map writes into a new leaf.
const leafFlags = FlagPresent | FlagWritable | FlagNoExecute

// aliasFlags are the flags of a root entry copied by reference.
const aliasFlags = FlagPresent | FlagWritable | FlagUser | FlagNoFree

// Entry is one 64-bit slot of a page-table node: a frame address and flags.
type Entry uint64

// MakeEntry builds an entry pointing at addr with the given flags.
func MakeEntry(addr uint64, flags EntryFlag) Entry {
	return Entry(addr&addressMask | uint64(flags))
}

// HasFlags returns true if this entry has all the input flags set.
func (e Entry) HasFlags(flags EntryFlag) bool {
	return uint64(e)&uint64(flags) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags
// set.
func (e Entry) HasAnyFlag(flags EntryFlag) bool {
	return uint64(e)&uint64(flags) != 0
}

// SetFlags returns the entry with the input flags set.
func (e Entry) SetFlags(flags EntryFlag) Entry {
	return Entry(uint64(e) | uint64(flags))
}

// ClearFlags returns the entry with the input flags cleared.
func (e Entry) ClearFlags(flags EntryFlag) Entry {
	return Entry(uint64(e) &^ uint64(flags))
}

// WithFlag sets or clears flags depending on value.
func (e Entry) WithFlag(flags EntryFlag, value bool) Entry {
	if value {
		return e.SetFlags(flags)
	}

	return e.ClearFlags(flags)
}

// Present reports whether the entry is present.
func (e Entry) Present() bool {
	return e.HasFlags(FlagPresent)
}

// Address returns the physical frame address the entry points to.
func (e Entry) Address() uint64 {
	return uint64(e) & addressMask
}

// SetAddress returns the entry pointing at addr, keeping its flags.
func (e Entry) SetAddress(addr uint64) Entry {
	return Entry(uint64(e)&^addressMask | addr&addressMask)
}

// Flags returns the flag bits of the entry.
func (e Entry) Flags() EntryFlag {
	return EntryFlag(uint64(e) &^ addressMask)
}

var flagNames = []struct {
	flag EntryFlag
	name string
}{
	{FlagPresent, "P"},
	{FlagWritable, "W"},
	{FlagUser, "U"},
	{FlagWriteThrough, "PWT"},
	{FlagNoCache, "PCD"},
	{FlagAccessed, "A"},
	{FlagDirty, "D"},
	{FlagHuge, "H"},
	{FlagGlobal, "G"},
	{FlagNoFree, "NF"},
	{FlagNoExecute, "NX"},
}

// String formats the flags as a "|"-joined list such as "P|W|NX".
func (f EntryFlag) String() string {
	names := make([]string, 0, len(flagNames))
	for _, n := range flagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}

	if len(names) == 0 {
		return "-"
	}

	return strings.Join(names, "|")
}

func (e Entry) String() string {
	return fmt.Sprintf("0x%012x[%s]", e.Address(), e.Flags())
}
