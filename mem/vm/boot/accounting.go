package boot

import "sync/atomic"

// Accounting tracks memory that is in use from the start, such as the kernel
// image and its modules.
type Accounting struct {
	used  atomic.Uint64
	total atomic.Uint64
}

// Reserve counts length bytes as both used and present.
func (a *Accounting) Reserve(length uint64) {
	a.used.Add(length)
	a.total.Add(length)
}

// Used returns the number of bytes counted as used.
func (a *Accounting) Used() uint64 {
	return a.used.Load()
}

// Total returns the number of bytes counted as present.
func (a *Accounting) Total() uint64 {
	return a.total.Load()
}
