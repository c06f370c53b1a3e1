package editor

import (
	"sync"
	"time"
)

// debouncer runs fn once after a quiet period. Re-arming replaces the pending
// timer; a callback whose sequence number is no longer current does nothing.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	seq   uint64
	fn    func(seq uint64)
}

func newDebouncer(delay time.Duration, fn func(seq uint64)) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

// arm (re)starts the quiet period.
func (d *debouncer) arm() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.delay, func() {
		if d.current(seq) {
			d.fn(seq)
		}
	})
}

// cancel drops any pending call.
func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
}

func (d *debouncer) current(seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq == seq
}

func (d *debouncer) pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// fired clears the timer reference once the callback for seq has run.
func (d *debouncer) fired(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seq == seq {
		d.timer = nil
	}
}
