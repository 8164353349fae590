package vm

// A Mapping is one present translation: a 4KiB leaf, or a huge entry at l3
// (1GiB) or l2 (2MiB).
type Mapping struct {
	VAddr uint64
	Size  uint64
	Level int
	Entry Entry
}

// Huge reports whether the mapping is a huge page.
func (m Mapping) Huge() bool {
	return m.Level != LevelLeaf
}

// VisitMappings calls f for every present mapping under root slots first to
// last inclusive, in address order. The walk stops when f returns false.
func (as *AddressSpace) VisitMappings(first, last int, f func(m Mapping) bool) {
	as.mustBeAlive()

	for slot := first; slot <= last; slot++ {
		e := as.root.Entry(slot)
		if !e.Present() {
			continue
		}

		base := Compose(slot, 0, 0, 0)
		if !visitNode(as.root.Child(slot), LevelL3, base, f) {
			return
		}
	}
}

// Mappings collects the mappings under root slots first to last inclusive.
func (as *AddressSpace) Mappings(first, last int) []Mapping {
	var mappings []Mapping

	as.VisitMappings(first, last, func(m Mapping) bool {
		mappings = append(mappings, m)
		return true
	})

	return mappings
}

func visitNode(node Node, level int, base uint64, f func(m Mapping) bool) bool {
	for i, e := range node.Entries() {
		if !e.Present() {
			continue
		}

		vaddr := base + uint64(i)*LevelSpan(level)

		if level == LevelLeaf || e.HasFlags(FlagHuge) {
			m := Mapping{VAddr: vaddr, Size: LevelSpan(level), Level: level, Entry: e}
			if !f(m) {
				return false
			}

			continue
		}

		if !visitNode(node.Child(i), level+1, vaddr, f) {
			return false
		}
	}

	return true
}
