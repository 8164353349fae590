package monitoring

import (
	"sync"
	"time"
)

// A ProgressBar tracks a long-running batch of kernel operations, such as a
// run of forks driven from the CLI.
type ProgressBar struct {
	sync.Mutex
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	Total      uint64    `json:"total"`
	Finished   uint64    `json:"finished"`
	InProgress uint64    `json:"in_progress"`
}

// Begin marks amount items as started.
func (b *ProgressBar) Begin(amount uint64) {
	b.Lock()
	defer b.Unlock()

	b.InProgress += amount
}

// Finish moves amount started items to finished.
func (b *ProgressBar) Finish(amount uint64) {
	b.Lock()
	defer b.Unlock()

	b.InProgress -= amount
	b.Finished += amount
}

// Percent returns the finished share of the total.
func (b *ProgressBar) Percent() float64 {
	b.Lock()
	defer b.Unlock()

	if b.Total == 0 {
		return 100
	}

	return float64(b.Finished) * 100 / float64(b.Total)
}
