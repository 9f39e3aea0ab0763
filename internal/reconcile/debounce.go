package reconcile

import (
	"sync"
	"time"
)

const DefaultQuietPeriod = 100 * time.Millisecond

// Debouncer coalesces bursts of Notify calls into one dispatch of the most
// recent value, fired once the input has been quiet for the configured period.
type Debouncer[T any] struct {
	mu       sync.Mutex
	quiet    time.Duration
	dispatch func(T)
	timer    *time.Timer
	latest   T
	seq      uint64
	pending  bool
	stopped  bool
}

func NewDebouncer[T any](quiet time.Duration, dispatch func(T)) *Debouncer[T] {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Debouncer[T]{quiet: quiet, dispatch: dispatch}
}

func (d *Debouncer[T]) Notify(value T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.latest = value
	d.pending = true
	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, func() { d.fire(seq) })
}

// fire dispatches only if no newer Notify or Stop happened after the timer
// for seq was armed. Stop on an AfterFunc timer can lose the race with an
// already-running callback, so the seq check is what actually cancels.
func (d *Debouncer[T]) fire(seq uint64) {
	d.mu.Lock()
	if d.stopped || !d.pending || seq != d.seq {
		d.mu.Unlock()
		return
	}
	value := d.latest
	d.pending = false
	d.timer = nil
	dispatch := d.dispatch
	d.mu.Unlock()
	if dispatch != nil {
		dispatch(value)
	}
}

func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop cancels any pending dispatch. The debouncer ignores later Notify calls.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
