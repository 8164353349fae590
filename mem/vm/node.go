package vm

import (
	"encoding/binary"
	"fmt"
	"log"
)

const entrySize = 8

// A Node is one level of the radix tree: 512 entries stored in one frame. A
// Node is a view, the entries live in physical memory.
type Node struct {
	mem  PhysicalMemory
	addr uint64
}

// NodeAt returns the node stored in the frame at addr.
func NodeAt(mem PhysicalMemory, addr uint64) Node {
	if addr%PageSize != 0 {
		log.Panicf("node address 0x%x is not page aligned", addr)
	}

	return Node{mem: mem, addr: addr}
}

// Addr returns the physical address of the node's frame.
func (n Node) Addr() uint64 {
	return n.addr
}

// Entry reads slot i.
func (n Node) Entry(i int) Entry {
	data, err := n.mem.Read(n.slotAddr(i), entrySize)
	mustNotFail(err)

	return Entry(binary.LittleEndian.Uint64(data))
}

// SetEntry writes slot i.
func (n Node) SetEntry(i int, e Entry) {
	var data [entrySize]byte
	binary.LittleEndian.PutUint64(data[:], uint64(e))
	mustNotFail(n.mem.Write(n.slotAddr(i), data[:]))
}

// Update applies f to slot i and stores the result.
func (n Node) Update(i int, f func(Entry) Entry) {
	n.SetEntry(i, f(n.Entry(i)))
}

// Entries reads all 512 slots at once.
func (n Node) Entries() [EntriesPerNode]Entry {
	data, err := n.mem.Read(n.addr, PageSize)
	mustNotFail(err)

	var entries [EntriesPerNode]Entry
	for i := range entries {
		entries[i] = Entry(binary.LittleEndian.Uint64(data[i*entrySize:]))
	}

	return entries
}

// Zero clears every slot.
func (n Node) Zero() {
	mustNotFail(n.mem.Write(n.addr, make([]byte, PageSize)))
}

// Child returns the node that slot i links to.
func (n Node) Child(i int) Node {
	return NodeAt(n.mem, n.Entry(i).Address())
}

func (n Node) slotAddr(i int) uint64 {
	if i < 0 || i >= EntriesPerNode {
		log.Panicf("node slot %d out of range", i)
	}

	return n.addr + uint64(i)*entrySize
}

func (n Node) String() string {
	return fmt.Sprintf("node@0x%x", n.addr)
}

// Page tables live in frames the subsystem allocated itself, so a failing
// physical access means the tables are corrupt.
func mustNotFail(err error) {
	if err != nil {
		log.Panic(err)
	}
}
