package cpu

import (
	"sort"

	"github.com/Talon396/owlOS/mem/vm"
)

// A tlbEntry caches the translation of one page, which may be a 4KiB page or
// a huge page.
type tlbEntry struct {
	vBase  uint64
	pBase  uint64
	size   uint64
	flags  vm.EntryFlag
	global bool
}

type tlbKey struct {
	vBase uint64
	size  uint64
}

func (e tlbEntry) key() tlbKey {
	return tlbKey{vBase: e.vBase, size: e.size}
}

type block struct {
	entry     tlbEntry
	valid     bool
	wayID     int
	lastVisit uint64
}

// A set holds a fixed number of ways and evicts the least recently used one.
type set struct {
	blocks     []*block
	keyWayMap  map[tlbKey]int
	visitList  []*block
	visitCount uint64
}

func newSet(numWays int) *set {
	s := &set{}
	s.blocks = make([]*block, numWays)
	s.visitList = make([]*block, 0, numWays)
	s.keyWayMap = make(map[tlbKey]int)

	for i := range s.blocks {
		b := &block{}
		s.blocks[i] = b
		b.wayID = i
		s.visit(i)
	}

	return s
}

func (s *set) lookup(key tlbKey) (tlbEntry, bool) {
	wayID, ok := s.keyWayMap[key]
	if !ok {
		return tlbEntry{}, false
	}

	s.visit(wayID)

	return s.blocks[wayID].entry, true
}

// insert stores e, replacing an entry with the same key or else the least
// recently used way.
func (s *set) insert(e tlbEntry) {
	wayID, exists := s.keyWayMap[e.key()]
	if !exists {
		wayID = s.evict()
	}

	b := s.blocks[wayID]
	b.entry = e
	b.valid = true
	s.keyWayMap[e.key()] = wayID
	s.visit(wayID)
}

func (s *set) invalidate(key tlbKey) bool {
	wayID, ok := s.keyWayMap[key]
	if !ok {
		return false
	}

	s.drop(wayID)

	return true
}

// flush drops every entry, keeping global ones when keepGlobal is set.
func (s *set) flush(keepGlobal bool) {
	for _, b := range s.blocks {
		if b.valid && !(keepGlobal && b.entry.global) {
			s.drop(b.wayID)
		}
	}
}

func (s *set) drop(wayID int) {
	b := s.blocks[wayID]
	if b.valid {
		delete(s.keyWayMap, b.entry.key())
	}

	b.valid = false
	b.entry = tlbEntry{}
}

// evict frees the least recently used way and returns it. Invalid ways are
// always taken first.
func (s *set) evict() int {
	for _, b := range s.visitList {
		if !b.valid {
			return b.wayID
		}
	}

	wayID := s.visitList[0].wayID
	s.drop(wayID)

	return wayID
}

func (s *set) visit(wayID int) {
	block := s.blocks[wayID]

	for i, b := range s.visitList {
		if b.wayID == wayID {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			break
		}
	}

	s.visitCount++
	block.lastVisit = s.visitCount

	index := sort.Search(len(s.visitList), func(i int) bool {
		return s.visitList[i].lastVisit > block.lastVisit
	})

	s.visitList = append(s.visitList, nil)
	copy(s.visitList[index+1:], s.visitList[index:])
	s.visitList[index] = block
}

// A tlb is a set-associative translation cache. Entries are indexed by their
// virtual page number.
type tlb struct {
	sets []*set
}

func newTLB(numSets, numWays int) *tlb {
	t := &tlb{sets: make([]*set, numSets)}
	for i := range t.sets {
		t.sets[i] = newSet(numWays)
	}

	return t
}

var pageSizes = []uint64{vm.PageSize, vm.LevelSpan(vm.LevelL2), vm.LevelSpan(vm.LevelL3)}

func (t *tlb) setOf(key tlbKey) *set {
	return t.sets[(key.vBase>>vm.PageShift)%uint64(len(t.sets))]
}

// lookup finds the entry of any page size that covers vaddr.
func (t *tlb) lookup(vaddr uint64) (tlbEntry, bool) {
	for _, size := range pageSizes {
		key := tlbKey{vBase: vaddr &^ (size - 1), size: size}
		if e, ok := t.setOf(key).lookup(key); ok {
			return e, true
		}
	}

	return tlbEntry{}, false
}

func (t *tlb) insert(e tlbEntry) {
	t.setOf(e.key()).insert(e)
}

// invalidate drops every entry covering vaddr, global or not.
func (t *tlb) invalidate(vaddr uint64) {
	for _, size := range pageSizes {
		key := tlbKey{vBase: vaddr &^ (size - 1), size: size}
		t.setOf(key).invalidate(key)
	}
}

func (t *tlb) flush(keepGlobal bool) {
	for _, s := range t.sets {
		s.flush(keepGlobal)
	}
}

func (t *tlb) size() int {
	n := 0
	for _, s := range t.sets {
		n += len(s.keyWayMap)
	}

	return n
}
