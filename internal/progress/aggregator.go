// Package progress aggregates byte-level progress across concurrently
// transferred parts and delivers snapshots to observers without ever blocking
// the producer.
package progress

import (
	"sync"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// Func receives cumulative progress for one transfer.
type Func func(completed, total int64)

// Aggregator folds per-part byte counts into one monotonically non-decreasing
// total. Each part contributes the highest count it has reported, so a part
// restarting from zero after a retry never lowers the total.
type Aggregator struct {
	mu      sync.Mutex
	sizes   []int64
	seen    []int64
	sum     int64
	total   int64
	emitted int64
	closed  bool
	fn      Func
}

// NewAggregator builds an aggregator for plan. Parts already Done count as
// fully transferred.
func NewAggregator(plan *uploadtypes.TransferPlan, fn Func) *Aggregator {
	a := &Aggregator{
		sizes: make([]int64, len(plan.Parts)),
		seen:  make([]int64, len(plan.Parts)),
		total: plan.TotalBytes,
		fn:    fn,
	}
	for i, p := range plan.Parts {
		a.sizes[i] = p.Range.Len()
		if p.State == uploadtypes.PartDone {
			a.seen[i] = a.sizes[i]
			a.sum += a.sizes[i]
		}
	}
	return a
}

// Report records that part has transferred n of its bytes so far.
func (a *Aggregator) Report(part int, n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || part < 0 || part >= len(a.seen) {
		return
	}
	if n > a.sizes[part] {
		n = a.sizes[part]
	}
	if n <= a.seen[part] {
		return
	}
	a.sum += n - a.seen[part]
	a.seen[part] = n
	a.emitLocked()
}

// Complete marks part as fully transferred.
func (a *Aggregator) Complete(part int) {
	if part < 0 || part >= len(a.sizes) {
		return
	}
	a.Report(part, a.sizes[part])
}

// Start emits the current total once if it is non-zero, so observers learn
// about progress carried over from earlier attempts.
func (a *Aggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.emitLocked()
	}
}

func (a *Aggregator) emitLocked() {
	if a.sum <= a.emitted || a.fn == nil {
		return
	}
	a.emitted = a.sum
	a.fn(a.sum, a.total)
}

// Completed returns the aggregated byte count.
func (a *Aggregator) Completed() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sum
}

// Close stops all further callbacks. It is safe to call more than once.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}
